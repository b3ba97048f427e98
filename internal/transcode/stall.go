package transcode

import "time"

type StallConfig struct {
	Timeout        time.Duration
	StartupTimeout time.Duration
	StartupWindow  time.Duration
	// MinSpeed is the throughput floor in bytes per second.
	MinSpeed int64
}

// StallState is a point-in-time view of one HLS session.
type StallState struct {
	SessionReady  bool
	Segments      int
	ReadyFloor    int
	LastSegmentAt time.Time
	SessionAge    time.Duration
	// Progress is the torrent completion ratio, 0..1.
	Progress float64
	Speed    int64
}

const completeProgress = 0.99

// IsStalled reports whether a ready HLS session stopped producing segments
// while its input is also starved.
func IsStalled(cfg StallConfig, s StallState, now time.Time) bool {
	if !s.SessionReady || s.Segments < s.ReadyFloor || s.LastSegmentAt.IsZero() {
		return false
	}
	threshold := cfg.Timeout
	if s.SessionAge < cfg.StartupWindow && cfg.StartupTimeout > threshold {
		threshold = cfg.StartupTimeout
	}
	if now.Sub(s.LastSegmentAt) <= threshold {
		return false
	}
	if s.Progress >= completeProgress {
		return false
	}
	return s.Speed < cfg.MinSpeed
}

package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
)

const (
	adaptiveTargetBufferSeconds = 30.0
	adaptiveUpdateInterval      = 500 * time.Millisecond
	seekBoostDuration           = 10 * time.Second

	DefaultMinReadahead int64 = 4 << 20
	DefaultMaxReadahead int64 = 64 << 20
)

// AdaptiveReader sizes the torrent readahead from observed read throughput so
// that about thirty seconds of content stays prioritized ahead of the player.
// A seek temporarily doubles the window.
type AdaptiveReader struct {
	reader       ports.StreamReader
	minReadahead int64
	maxReadahead int64
	now          func() time.Time

	mu               sync.Mutex
	readahead        int64
	bytesSinceUpdate int64
	lastUpdate       time.Time
	bytesPerSec      float64
	seekBoostUntil   time.Time
}

func NewAdaptiveReader(reader ports.StreamReader, minReadahead, maxReadahead int64) *AdaptiveReader {
	return newAdaptiveReader(reader, minReadahead, maxReadahead, time.Now)
}

func newAdaptiveReader(reader ports.StreamReader, minReadahead, maxReadahead int64, now func() time.Time) *AdaptiveReader {
	if minReadahead <= 0 {
		minReadahead = DefaultMinReadahead
	}
	if maxReadahead < minReadahead {
		maxReadahead = minReadahead
	}
	r := &AdaptiveReader{
		reader:       reader,
		minReadahead: minReadahead,
		maxReadahead: maxReadahead,
		now:          now,
		readahead:    minReadahead,
		lastUpdate:   now(),
	}
	reader.SetReadahead(minReadahead)
	return r
}

func (r *AdaptiveReader) SetContext(ctx context.Context) {
	r.reader.SetContext(ctx)
}

// SetReadahead overrides the current window. Later reads keep adapting it.
func (r *AdaptiveReader) SetReadahead(n int64) {
	r.mu.Lock()
	r.readahead = r.clamp(n)
	n = r.readahead
	r.mu.Unlock()
	r.reader.SetReadahead(n)
}

func (r *AdaptiveReader) SetResponsive() {
	r.reader.SetResponsive()
}

func (r *AdaptiveReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.mu.Lock()
		r.bytesSinceUpdate += int64(n)
		next, changed := r.adjustLocked()
		r.mu.Unlock()
		if changed {
			r.reader.SetReadahead(next)
		}
	}
	return n, err
}

func (r *AdaptiveReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.reader.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	r.mu.Lock()
	r.readahead = r.clamp(r.readahead * 2)
	r.seekBoostUntil = r.now().Add(seekBoostDuration)
	next := r.readahead
	r.mu.Unlock()
	r.reader.SetReadahead(next)
	return pos, nil
}

func (r *AdaptiveReader) Close() error {
	return r.reader.Close()
}

// Readahead reports the current window.
func (r *AdaptiveReader) Readahead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readahead
}

// adjustLocked folds the bytes read since the last update into an EMA of the
// throughput and recomputes the window at most every adaptiveUpdateInterval.
func (r *AdaptiveReader) adjustLocked() (int64, bool) {
	now := r.now()
	elapsed := now.Sub(r.lastUpdate)
	if elapsed < adaptiveUpdateInterval {
		return r.readahead, false
	}

	instant := float64(r.bytesSinceUpdate) / elapsed.Seconds()
	if r.bytesPerSec <= 0 {
		r.bytesPerSec = instant
	} else {
		r.bytesPerSec = 0.7*r.bytesPerSec + 0.3*instant
	}
	r.bytesSinceUpdate = 0
	r.lastUpdate = now

	if now.Before(r.seekBoostUntil) {
		return r.readahead, false
	}
	next := r.clamp(int64(r.bytesPerSec * adaptiveTargetBufferSeconds))
	if next == r.readahead {
		return next, false
	}
	r.readahead = next
	return next, true
}

func (r *AdaptiveReader) clamp(n int64) int64 {
	if n < r.minReadahead {
		return r.minReadahead
	}
	if n > r.maxReadahead {
		return r.maxReadahead
	}
	return n
}

var _ ports.StreamReader = (*AdaptiveReader)(nil)

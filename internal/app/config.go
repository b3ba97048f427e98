package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/orchestrator"
	"github.com/ezerobledo91/streams-sub000/internal/probe"
	"github.com/ezerobledo91/streams-sub000/internal/reliability"
	"github.com/ezerobledo91/streams-sub000/internal/services/torrent/engine/anacrolix"
	"github.com/ezerobledo91/streams-sub000/internal/session"
	"github.com/ezerobledo91/streams-sub000/internal/transcode"
)

type Config struct {
	HTTPAddr           string
	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	LogLevel          string
	LogFormat         string
	LogFile           string
	LogFileMaxSizeMB  int
	LogFileMaxBackups int
	LogFileMaxAgeDays int
	LogFileCompress   bool

	TorrentDataDir             string
	TorrentListenPort          int
	EstablishedConnsPerTorrent int
	HalfOpenConnsPerTorrent    int
	TotalHalfOpenConns         int

	FFMPEGPath  string
	FFProbePath string

	MaxSessions      int
	SessionTTL       time.Duration
	MetadataTimeout  time.Duration
	MinFreeDiskBytes int64

	HLSDir              string
	HLSReadySegments    int
	HLSStartTimeout     time.Duration
	HLSSegmentSeconds   int
	HLSMaxHeight        int
	HLSBitrateKbps      int
	HLSPreset           string
	HLSCRF              int
	HLSAudioBitrate     string
	HLSStallTimeout     time.Duration
	HLSStartupTimeout   time.Duration
	HLSStartupWindow    time.Duration
	HLSMinSpeedBytesSec int64

	ReliabilityFailureThreshold int
	ReliabilityMinSamples       int
	ReliabilityBackoffBase      time.Duration
	ReliabilityBackoffMax       time.Duration
	ReliabilityMaxSources       int
	ReliabilityPersistInterval  time.Duration

	ProbeTimeout           time.Duration
	ProbeRPS               float64
	ProbeMatroskaProviders []string

	OrchestratorBudget        time.Duration
	OrchestratorDirectProbes  int
	OrchestratorBatchSize     int
	OrchestratorBatchWindow   time.Duration
	OrchestratorGrace         time.Duration
	OrchestratorTargetReady   int
	OrchestratorMaxAlternates int
	OrchestratorRescueWait    time.Duration
	OrchestratorMaxCandidates int
	AlwaysTryProviders        []string

	ProviderBonus map[string]float64

	ResultCacheTTLSeries  time.Duration
	ResultCacheTTLMovie   time.Duration
	ResultCacheTTLDefault time.Duration
	ResultCacheMaxEntries int
	RedisURL              string

	MongoURI      string
	MongoDatabase string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		RateLimitRPS:       getEnvFloat("HTTP_RATE_LIMIT_RPS", 50),
		RateLimitBurst:     getEnvInt("HTTP_RATE_LIMIT_BURST", 100),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		LogFile:           getEnv("LOG_FILE", ""),
		LogFileMaxSizeMB:  getEnvInt("LOG_FILE_MAX_SIZE_MB", 50),
		LogFileMaxBackups: getEnvInt("LOG_FILE_MAX_BACKUPS", 3),
		LogFileMaxAgeDays: getEnvInt("LOG_FILE_MAX_AGE_DAYS", 14),
		LogFileCompress:   getEnvBool("LOG_FILE_COMPRESS", true),

		TorrentDataDir:             getEnv("TORRENT_DATA_DIR", "data"),
		TorrentListenPort:          getEnvInt("TORRENT_LISTEN_PORT", 0),
		EstablishedConnsPerTorrent: getEnvInt("TORRENT_ESTABLISHED_CONNS_PER_TORRENT", 35),
		HalfOpenConnsPerTorrent:    getEnvInt("TORRENT_HALF_OPEN_CONNS_PER_TORRENT", 25),
		TotalHalfOpenConns:         getEnvInt("TORRENT_TOTAL_HALF_OPEN_CONNS", 100),

		FFMPEGPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		FFProbePath: getEnv("FFPROBE_PATH", "ffprobe"),

		MaxSessions:      getEnvInt("PLAYBACK_MAX_SESSIONS", 6),
		SessionTTL:       getEnvDuration("PLAYBACK_SESSION_TTL", 30*time.Minute),
		MetadataTimeout:  getEnvDuration("PLAYBACK_METADATA_TIMEOUT", 45*time.Second),
		MinFreeDiskBytes: getEnvInt64("PLAYBACK_MIN_FREE_DISK_MB", 0) << 20,

		HLSDir:              getEnv("PLAYBACK_HLS_DIR", "data/hls"),
		HLSReadySegments:    getEnvInt("PLAYBACK_HLS_READY_SEGMENTS", 2),
		HLSStartTimeout:     getEnvDuration("PLAYBACK_HLS_START_TIMEOUT", 60*time.Second),
		HLSSegmentSeconds:   getEnvInt("PLAYBACK_HLS_SEGMENT_SECONDS", 4),
		HLSMaxHeight:        getEnvInt("PLAYBACK_HLS_MAX_HEIGHT", 1080),
		HLSBitrateKbps:      getEnvInt("PLAYBACK_HLS_BITRATE_KBPS", 0),
		HLSPreset:           getEnv("PLAYBACK_HLS_PRESET", "veryfast"),
		HLSCRF:              getEnvInt("PLAYBACK_HLS_CRF", 23),
		HLSAudioBitrate:     getEnv("PLAYBACK_HLS_AUDIO_BITRATE", "128k"),
		HLSStallTimeout:     getEnvDuration("PLAYBACK_HLS_STALL_TIMEOUT", 45*time.Second),
		HLSStartupTimeout:   getEnvDuration("PLAYBACK_HLS_STALL_STARTUP_TIMEOUT", 90*time.Second),
		HLSStartupWindow:    getEnvDuration("PLAYBACK_HLS_STARTUP_WINDOW", 2*time.Minute),
		HLSMinSpeedBytesSec: getEnvInt64("PLAYBACK_HLS_MIN_SPEED", 64*1024),

		ReliabilityFailureThreshold: getEnvInt("RELIABILITY_FAILURE_THRESHOLD", 3),
		ReliabilityMinSamples:       getEnvInt("RELIABILITY_MIN_SAMPLES", 3),
		ReliabilityBackoffBase:      getEnvDuration("RELIABILITY_BACKOFF_BASE", 2*time.Minute),
		ReliabilityBackoffMax:       getEnvDuration("RELIABILITY_BACKOFF_MAX", 30*time.Minute),
		ReliabilityMaxSources:       getEnvInt("RELIABILITY_MAX_SOURCES_PER_PROVIDER", 500),
		ReliabilityPersistInterval:  getEnvDuration("RELIABILITY_PERSIST_INTERVAL", time.Minute),

		ProbeTimeout:           getEnvDuration("PROBE_TIMEOUT", 4*time.Second),
		ProbeRPS:               getEnvFloat("PROBE_RPS", 8),
		ProbeMatroskaProviders: getEnvList("PROBE_MATROSKA_PROVIDERS"),

		OrchestratorBudget:        getEnvDuration("ORCHESTRATOR_BUDGET", 25*time.Second),
		OrchestratorDirectProbes:  getEnvInt("ORCHESTRATOR_DIRECT_PROBES", 4),
		OrchestratorBatchSize:     getEnvInt("ORCHESTRATOR_BATCH_SIZE", 3),
		OrchestratorBatchWindow:   getEnvDuration("ORCHESTRATOR_BATCH_WINDOW", 8*time.Second),
		OrchestratorGrace:         getEnvDuration("ORCHESTRATOR_GRACE", 4*time.Second),
		OrchestratorTargetReady:   getEnvInt("ORCHESTRATOR_TARGET_READY", 2),
		OrchestratorMaxAlternates: getEnvInt("ORCHESTRATOR_MAX_ALTERNATES", 3),
		OrchestratorRescueWait:    getEnvDuration("ORCHESTRATOR_RESCUE_WAIT", 20*time.Second),
		OrchestratorMaxCandidates: getEnvInt("ORCHESTRATOR_MAX_CANDIDATES", 12),
		AlwaysTryProviders:        getEnvList("ORCHESTRATOR_ALWAYS_TRY_PROVIDERS"),

		ProviderBonus: parseProviderBonus(os.Getenv("RANKING_PROVIDER_BONUS")),

		ResultCacheTTLSeries:  getEnvDuration("RESULT_CACHE_TTL_SERIES", 30*time.Minute),
		ResultCacheTTLMovie:   getEnvDuration("RESULT_CACHE_TTL_MOVIE", 15*time.Minute),
		ResultCacheTTLDefault: getEnvDuration("RESULT_CACHE_TTL_DEFAULT", 5*time.Minute),
		ResultCacheMaxEntries: getEnvInt("RESULT_CACHE_MAX_ENTRIES", 512),
		RedisURL:              getEnv("REDIS_URL", ""),

		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "playback"),
	}
}

func (c Config) EngineConfig() anacrolix.Config {
	return anacrolix.Config{
		DataDir:                    c.TorrentDataDir,
		ListenPort:                 c.TorrentListenPort,
		EstablishedConnsPerTorrent: c.EstablishedConnsPerTorrent,
		HalfOpenConnsPerTorrent:    c.HalfOpenConnsPerTorrent,
		TotalHalfOpenConns:         c.TotalHalfOpenConns,
	}
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		MaxSessions:     c.MaxSessions,
		TTL:             c.SessionTTL,
		MetadataTimeout: c.MetadataTimeout,
		HLSDir:          c.HLSDir,
	}
}

func (c Config) TranscodeConfig() transcode.Config {
	return transcode.Config{
		FFmpegPath:     c.FFMPEGPath,
		BaseDir:        c.HLSDir,
		ReadySegments:  c.HLSReadySegments,
		StartTimeout:   c.HLSStartTimeout,
		SegmentSeconds: c.HLSSegmentSeconds,
		MaxHeight:      c.HLSMaxHeight,
		BitrateKbps:    c.HLSBitrateKbps,
		Preset:         c.HLSPreset,
		CRF:            c.HLSCRF,
		AudioBitrate:   c.HLSAudioBitrate,
		Stall: transcode.StallConfig{
			Timeout:        c.HLSStallTimeout,
			StartupTimeout: c.HLSStartupTimeout,
			StartupWindow:  c.HLSStartupWindow,
			MinSpeed:       c.HLSMinSpeedBytesSec,
		},
	}
}

func (c Config) ProbeConfig() probe.Config {
	return probe.Config{
		Timeout:           c.ProbeTimeout,
		RequestsPerSecond: c.ProbeRPS,
		MatroskaProviders: c.ProbeMatroskaProviders,
	}
}

func (c Config) ReliabilityConfig() reliability.Config {
	return reliability.Config{
		FailureThreshold:      c.ReliabilityFailureThreshold,
		MinSamples:            c.ReliabilityMinSamples,
		BackoffBase:           c.ReliabilityBackoffBase,
		BackoffMax:            c.ReliabilityBackoffMax,
		MaxSourcesPerProvider: c.ReliabilityMaxSources,
	}
}

func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Budget:        c.OrchestratorBudget,
		DirectProbes:  c.OrchestratorDirectProbes,
		BatchSize:     c.OrchestratorBatchSize,
		BatchWindow:   c.OrchestratorBatchWindow,
		Grace:         c.OrchestratorGrace,
		TargetReady:   c.OrchestratorTargetReady,
		MaxAlternates: c.OrchestratorMaxAlternates,
		RescueWait:    c.OrchestratorRescueWait,
		MaxCandidates: c.OrchestratorMaxCandidates,
		AlwaysTry:     c.AlwaysTryProviders,
		CacheTTL: orchestrator.CacheTTL{
			Series:  c.ResultCacheTTLSeries,
			Movie:   c.ResultCacheTTLMovie,
			Default: c.ResultCacheTTLDefault,
		},
		CacheMaxEntries: c.ResultCacheMaxEntries,
	}
}

// parseProviderBonus reads "id=bonus" pairs separated by commas.
func parseProviderBonus(raw string) map[string]float64 {
	out := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		id, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		id = strings.ToLower(strings.TrimSpace(id))
		bonus, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if id == "" || err != nil {
			continue
		}
		out[id] = bonus
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	return int(getEnvInt64(key, int64(fallback)))
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

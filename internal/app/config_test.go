package app

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func clearEnvs(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnvs(t,
		"HTTP_ADDR", "HTTP_RATE_LIMIT_RPS", "HTTP_RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS",
		"LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "LOG_FILE_COMPRESS",
		"TORRENT_DATA_DIR", "FFMPEG_PATH", "FFPROBE_PATH",
		"PLAYBACK_MAX_SESSIONS", "PLAYBACK_SESSION_TTL", "PLAYBACK_HLS_DIR", "PLAYBACK_HLS_MIN_SPEED",
		"ORCHESTRATOR_BUDGET", "ORCHESTRATOR_BATCH_SIZE", "ORCHESTRATOR_ALWAYS_TRY_PROVIDERS",
		"RANKING_PROVIDER_BONUS", "RESULT_CACHE_TTL_SERIES", "REDIS_URL", "MONGO_URI", "MONGO_DB",
	)

	cfg := LoadConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"HTTPAddr", cfg.HTTPAddr, ":8080"},
		{"RateLimitRPS", cfg.RateLimitRPS, 50.0},
		{"RateLimitBurst", cfg.RateLimitBurst, 100},
		{"LogLevel", cfg.LogLevel, "info"},
		{"LogFormat", cfg.LogFormat, "text"},
		{"LogFile", cfg.LogFile, ""},
		{"LogFileCompress", cfg.LogFileCompress, true},
		{"TorrentDataDir", cfg.TorrentDataDir, "data"},
		{"FFMPEGPath", cfg.FFMPEGPath, "ffmpeg"},
		{"FFProbePath", cfg.FFProbePath, "ffprobe"},
		{"MaxSessions", cfg.MaxSessions, 6},
		{"SessionTTL", cfg.SessionTTL, 30 * time.Minute},
		{"HLSDir", cfg.HLSDir, "data/hls"},
		{"HLSMinSpeedBytesSec", cfg.HLSMinSpeedBytesSec, int64(65536)},
		{"OrchestratorBudget", cfg.OrchestratorBudget, 25 * time.Second},
		{"OrchestratorBatchSize", cfg.OrchestratorBatchSize, 3},
		{"ResultCacheTTLSeries", cfg.ResultCacheTTLSeries, 30 * time.Minute},
		{"RedisURL", cfg.RedisURL, ""},
		{"MongoURI", cfg.MongoURI, ""},
		{"MongoDatabase", cfg.MongoDatabase, "playback"},
	}
	for _, tt := range tests {
		if !reflect.DeepEqual(tt.got, tt.want) {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if cfg.CORSAllowedOrigins != nil {
		t.Errorf("CORSAllowedOrigins = %v, want nil", cfg.CORSAllowedOrigins)
	}
	if len(cfg.ProviderBonus) != 0 {
		t.Errorf("ProviderBonus = %v, want empty", cfg.ProviderBonus)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setEnvs(t, map[string]string{
		"HTTP_ADDR":                         ":9090",
		"LOG_LEVEL":                         "DEBUG",
		"LOG_FILE_COMPRESS":                 "false",
		"CORS_ALLOWED_ORIGINS":              "http://a.test, http://b.test ,",
		"PLAYBACK_MAX_SESSIONS":             "2",
		"PLAYBACK_SESSION_TTL":              "90s",
		"PROBE_RPS":                         "2.5",
		"ORCHESTRATOR_ALWAYS_TRY_PROVIDERS": "alpha,beta",
		"RANKING_PROVIDER_BONUS":            "Alpha=5, beta=-2.5,broken,=3,gamma=x",
		"MONGO_URI":                         "mongodb://db:27017",
		"PLAYBACK_MIN_FREE_DISK_MB":         "512",
	})

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.LogFileCompress {
		t.Error("LogFileCompress should be false")
	}
	if want := []string{"http://a.test", "http://b.test"}; !reflect.DeepEqual(cfg.CORSAllowedOrigins, want) {
		t.Errorf("CORSAllowedOrigins = %v, want %v", cfg.CORSAllowedOrigins, want)
	}
	if cfg.MaxSessions != 2 || cfg.SessionTTL != 90*time.Second {
		t.Errorf("sessions = %d/%v", cfg.MaxSessions, cfg.SessionTTL)
	}
	if cfg.MinFreeDiskBytes != 512<<20 {
		t.Errorf("MinFreeDiskBytes = %d", cfg.MinFreeDiskBytes)
	}
	if cfg.ProbeRPS != 2.5 {
		t.Errorf("ProbeRPS = %v", cfg.ProbeRPS)
	}
	if want := map[string]float64{"alpha": 5, "beta": -2.5}; !reflect.DeepEqual(cfg.ProviderBonus, want) {
		t.Errorf("ProviderBonus = %v, want %v", cfg.ProviderBonus, want)
	}

	oc := cfg.OrchestratorConfig()
	if !reflect.DeepEqual(oc.AlwaysTry, []string{"alpha", "beta"}) {
		t.Errorf("AlwaysTry = %v", oc.AlwaysTry)
	}
	if cfg.SessionConfig().MaxSessions != 2 {
		t.Error("SessionConfig lost MaxSessions")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	setEnvs(t, map[string]string{
		"PLAYBACK_MAX_SESSIONS":        "-1",
		"PLAYBACK_METADATA_TIMEOUT":    "soon",
		"ORCHESTRATOR_GRACE":           "-4s",
		"HTTP_RATE_LIMIT_RPS":          "fast",
		"LOG_FILE_COMPRESS":            "maybe",
		"PLAYBACK_HLS_SEGMENT_SECONDS": "abc",
	})

	cfg := LoadConfig()
	if cfg.MaxSessions != 6 {
		t.Errorf("MaxSessions = %d", cfg.MaxSessions)
	}
	if cfg.MetadataTimeout != 45*time.Second {
		t.Errorf("MetadataTimeout = %v", cfg.MetadataTimeout)
	}
	if cfg.OrchestratorGrace != 4*time.Second {
		t.Errorf("OrchestratorGrace = %v", cfg.OrchestratorGrace)
	}
	if cfg.RateLimitRPS != 50 {
		t.Errorf("RateLimitRPS = %v", cfg.RateLimitRPS)
	}
	if !cfg.LogFileCompress {
		t.Error("LogFileCompress should keep its default")
	}
	if cfg.HLSSegmentSeconds != 4 {
		t.Errorf("HLSSegmentSeconds = %d", cfg.HLSSegmentSeconds)
	}
}

func TestTranscodeConfigSharesHLSDir(t *testing.T) {
	setEnvs(t, map[string]string{"PLAYBACK_HLS_DIR": "/tmp/hls", "PLAYBACK_HLS_STALL_TIMEOUT": "30s"})
	cfg := LoadConfig()
	tc := cfg.TranscodeConfig()
	if tc.BaseDir != "/tmp/hls" || cfg.SessionConfig().HLSDir != "/tmp/hls" {
		t.Errorf("hls dirs = %q / %q", tc.BaseDir, cfg.SessionConfig().HLSDir)
	}
	if tc.Stall.Timeout != 30*time.Second {
		t.Errorf("stall timeout = %v", tc.Stall.Timeout)
	}
}

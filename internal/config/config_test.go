package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func withEnv(t *testing.T, envs map[string]string) {
	t.Helper()

	original := make(map[string]string)
	for k := range envs {
		original[k] = os.Getenv(k)
	}

	for k, v := range envs {
		_ = os.Setenv(k, v)
	}

	t.Cleanup(func() {
		for k, v := range original {
			if v == "" {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, v)
			}
		}
	})
}

// runnerEnv clears every key GetRunnerConfig reads before applying overrides.
func runnerEnv(t *testing.T, overrides map[string]string) {
	t.Helper()
	envs := map[string]string{
		"KBASE_BASE_URL":                "",
		"JOB_DIR":                       "",
		"JR_MAX_TASKS":                  "",
		"RUNTIME":                       "",
		"USE_SHIFTER":                   "",
		"KB_AUTH_TOKEN":                 "",
		"KB_ADMIN_AUTH_TOKEN":           "",
		"CLIENTGROUP":                   "",
		"BYPASS_TOKEN":                  "",
		"DEBUG_MODE":                    "",
		"CALLBACK_IP":                   "",
		"CALLBACK_PORT":                 "",
		"CALLBACK_ALLOW_SET_PROVENANCE": "",
		"PROV_FILE":                     "",
		"REF_DATA_BASE":                 "",
	}
	for k, v := range overrides {
		envs[k] = v
	}
	withEnv(t, envs)
}

func TestGetRunnerConfig(t *testing.T) {
	dir := t.TempDir()
	tokenDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tokenDir, TOKEN_FILE), []byte("filetoken\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		jobID     string
		ee2URL    string
		envs      map[string]string
		expected  *RunnerConfig
		shouldErr bool
	}{
		{
			name:   "valid runner config with defaults",
			jobID:  "job1",
			ee2URL: "https://kbase.us/services/ee2",
			envs: map[string]string{
				"JOB_DIR":             dir,
				"KB_AUTH_TOKEN":       "tok",
				"KB_ADMIN_AUTH_TOKEN": "admin",
			},
			expected: &RunnerConfig{
				JOB_ID:        "job1",
				BASE_URL:      "https://kbase.us/services/",
				EE2_URL:       "https://kbase.us/services/ee2",
				CATALOG_URL:   "https://kbase.us/services/catalog",
				AUTH_URL:      "https://kbase.us/services/auth/api/legacy/KBase/Sessions/Login",
				AUTH2_URL:     "https://kbase.us/services/auth/api/V2/token",
				WORKDIR:       dir,
				MAX_TASKS:     DEFAULT_MAX_TASKS,
				RUNTIME:       "docker",
				TOKEN:         "tok",
				ADMIN_TOKEN:   "admin",
				BYPASS_TOKEN:  true,
				CALLBACK_IP:   "localhost",
				CALLBACK_PORT: DEFAULT_CALLBACK_PORT,
				REF_DATA_BASE: "/kb/data",
			},
		},
		{
			name:  "valid runner config: overrides and token file",
			jobID: "",
			envs: map[string]string{
				"KBASE_BASE_URL":                "http://localhost/services",
				"JOB_DIR":                       tokenDir,
				"JR_MAX_TASKS":                  "3",
				"USE_SHIFTER":                   "1",
				"CLIENTGROUP":                   "njs",
				"BYPASS_TOKEN":                  "false",
				"DEBUG_MODE":                    "true",
				"CALLBACK_IP":                   "10.0.0.2",
				"CALLBACK_PORT":                 "8080",
				"CALLBACK_ALLOW_SET_PROVENANCE": "true",
				"REF_DATA_BASE":                 "/data",
			},
			expected: &RunnerConfig{
				BASE_URL:             "http://localhost/services/",
				CATALOG_URL:          "http://localhost/services/catalog",
				AUTH_URL:             "http://localhost/services/auth/api/legacy/KBase/Sessions/Login",
				AUTH2_URL:            "http://localhost/services/auth/api/V2/token",
				WORKDIR:              tokenDir,
				MAX_TASKS:            3,
				RUNTIME:              "containerd",
				TOKEN:                "filetoken",
				CLIENT_GROUP:         "njs",
				DEBUG:                true,
				CALLBACK_IP:          "10.0.0.2",
				CALLBACK_PORT:        8080,
				ALLOW_SET_PROVENANCE: true,
				REF_DATA_BASE:        "/data",
			},
		},
		{
			name:      "invalid runner config: no token",
			envs:      map[string]string{"JOB_DIR": dir},
			shouldErr: true,
		},
		{
			name:      "invalid runner config: bad max tasks",
			envs:      map[string]string{"JOB_DIR": dir, "KB_AUTH_TOKEN": "tok", "JR_MAX_TASKS": "many"},
			shouldErr: true,
		},
		{
			name:      "invalid runner config: zero max tasks",
			envs:      map[string]string{"JOB_DIR": dir, "KB_AUTH_TOKEN": "tok", "JR_MAX_TASKS": "0"},
			shouldErr: true,
		},
		{
			name:      "invalid runner config: unknown runtime",
			envs:      map[string]string{"JOB_DIR": dir, "KB_AUTH_TOKEN": "tok", "RUNTIME": "bogus"},
			shouldErr: true,
		},
		{
			name:      "invalid runner config: bad bypass flag",
			envs:      map[string]string{"JOB_DIR": dir, "KB_AUTH_TOKEN": "tok", "BYPASS_TOKEN": "maybe"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runnerEnv(t, tt.envs)

			cfg, err := GetRunnerConfig(tt.jobID, tt.ee2URL)
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetRunnerConfigPopsAdminToken(t *testing.T) {
	runnerEnv(t, map[string]string{
		"JOB_DIR":             t.TempDir(),
		"KB_AUTH_TOKEN":       "tok",
		"KB_ADMIN_AUTH_TOKEN": "admin",
	})

	cfg, err := GetRunnerConfig("job1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ADMIN_TOKEN != "admin" {
		t.Fatalf("got admin token %q", cfg.ADMIN_TOKEN)
	}
	if _, ok := os.LookupEnv("KB_ADMIN_AUTH_TOKEN"); ok {
		t.Fatalf("admin token still in environment")
	}
	if cfg.EE2_URL != DEFAULT_BASE_URL+"ee2" {
		t.Fatalf("got ee2 url %q", cfg.EE2_URL)
	}
}

func TestServiceConfig(t *testing.T) {
	cfg := &RunnerConfig{
		BASE_URL:      "https://ci.kbase.us/services/",
		AUTH_URL:      "https://ci.kbase.us/services/" + authLegacyPath,
		AUTH2_URL:     "https://ci.kbase.us/services/" + authV2Path,
		REF_DATA_BASE: "/tmp/db",
		CALLBACK_IP:   "1.2.3.4",
		CALLBACK_PORT: 9999,
	}
	sc := cfg.ServiceConfig()
	if sc["workspace-url"] != "https://ci.kbase.us/services/ws" {
		t.Fatalf("got workspace-url %v", sc["workspace-url"])
	}
	if sc["ref_data_base"] != "/tmp/db" {
		t.Fatalf("got ref_data_base %v", sc["ref_data_base"])
	}
	if cfg.CallbackURL() != "http://1.2.3.4:9999/" {
		t.Fatalf("got callback url %s", cfg.CallbackURL())
	}
}

func TestGetRedisConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *RedisConfig
		shouldErr bool
	}{
		{
			name: "valid redis config",
			envs: map[string]string{
				"REDIS_TTL":             "60",
				"REDIS_ENDPOINT":        "localhost:6379",
				"REDIS_CLIENT_PASSWORD": "pwd",
			},
			expected: &RedisConfig{
				TTL:            60,
				URL:            "localhost:6379",
				ClientPassword: "pwd",
			},
		},
		{
			name: "invalid redis config: invalid ttl",
			envs: map[string]string{
				"REDIS_TTL":      "bad",
				"REDIS_ENDPOINT": "localhost:6379",
			},
			shouldErr: true,
		},
		{
			name: "invalid redis config: missing endpoint",
			envs: map[string]string{
				"REDIS_TTL":             "60",
				"REDIS_ENDPOINT":        "",
				"REDIS_CLIENT_PASSWORD": "pwd",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetRedisConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetNatsConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *NatsConfig
		shouldErr bool
	}{
		{
			name: "valid nats config",
			envs: map[string]string{
				"JETSTREAM_URL":         "nats://localhost:4222",
				"JETSTREAM_TTL":         "300",
				"JETSTREAM_BUCKET_NAME": "modules",
				"JETSTREAM_BUCKET_SIZE": "1048576",
			},
			expected: &NatsConfig{
				URL:               "nats://localhost:4222",
				TTL:               300,
				BUCKET_NAME:       "modules",
				BUCKET_SIZE_BYTES: 1048576,
			},
		},
		{
			name: "bucket size defaults to unlimited",
			envs: map[string]string{
				"JETSTREAM_URL":         "nats://localhost:4222",
				"JETSTREAM_TTL":         "0",
				"JETSTREAM_BUCKET_NAME": "modules",
				"JETSTREAM_BUCKET_SIZE": "",
			},
			expected: &NatsConfig{
				URL:               "nats://localhost:4222",
				BUCKET_NAME:       "modules",
				BUCKET_SIZE_BYTES: -1,
			},
		},
		{
			name: "missing url",
			envs: map[string]string{
				"JETSTREAM_URL":         "",
				"JETSTREAM_TTL":         "300",
				"JETSTREAM_BUCKET_NAME": "modules",
			},
			shouldErr: true,
		},
		{
			name: "missing bucket name",
			envs: map[string]string{
				"JETSTREAM_URL":         "nats://localhost:4222",
				"JETSTREAM_TTL":         "300",
				"JETSTREAM_BUCKET_NAME": "",
			},
			shouldErr: true,
		},
		{
			name: "invalid ttl",
			envs: map[string]string{
				"JETSTREAM_URL":         "nats://localhost:4222",
				"JETSTREAM_TTL":         "soon",
				"JETSTREAM_BUCKET_NAME": "modules",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetNatsConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetFreeCacheConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *FreeCacheConfig
		shouldErr bool
	}{
		{
			name: "valid freecache config",
			envs: map[string]string{
				"FREECACHE_TTL":  "10",
				"FREECACHE_SIZE": "2048",
			},
			expected: &FreeCacheConfig{
				TTL:        10,
				SIZE_BYTES: 2048,
			},
		},
		{
			name: "freecache config defaults",
			envs: map[string]string{
				"FREECACHE_TTL":  "",
				"FREECACHE_SIZE": "",
			},
			expected: &FreeCacheConfig{
				TTL:        0,
				SIZE_BYTES: 8 * 1024 * 1024,
			},
		},
		{
			name: "invalid freecache config: invalid size",
			envs: map[string]string{
				"FREECACHE_TTL":  "10",
				"FREECACHE_SIZE": "bad",
			},
			shouldErr: true,
		},
		{
			name: "invalid freecache config: invalid ttl",
			envs: map[string]string{
				"FREECACHE_TTL":  "bad",
				"FREECACHE_SIZE": "2048",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetFreeCacheConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetMinioConfig(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		expected  *MinioConfig
		shouldErr bool
	}{
		{
			name: "valid minio config",
			envs: map[string]string{
				"MINIO_ENDPOINT":    "localhost:9000",
				"MINIO_JOBS_BUCKET": "jobs",
				"MINIO_USE_SSL":     "true",
				"MINIO_ACCESS_KEY":  "ak",
				"MINIO_SECRET_KEY":  "sk",
			},
			expected: &MinioConfig{
				URL:         "localhost:9000",
				JOBS_BUCKET: "jobs",
				USE_SSL:     true,
				ACCESS_KEY:  "ak",
				SECRET_KEY:  "sk",
			},
		},
		{
			name: "invalid minio config: invalid ssl value",
			envs: map[string]string{
				"MINIO_ENDPOINT":    "localhost",
				"MINIO_JOBS_BUCKET": "jobs",
				"MINIO_USE_SSL":     "yes",
			},
			shouldErr: true,
		},
		{
			name: "invalid minio config: endpoint empty",
			envs: map[string]string{
				"MINIO_ENDPOINT":    "",
				"MINIO_JOBS_BUCKET": "jobs",
				"MINIO_USE_SSL":     "true",
				"MINIO_ACCESS_KEY":  "ak",
				"MINIO_SECRET_KEY":  "sk",
			},
			shouldErr: true,
		},
		{
			name: "invalid minio config: secretkey empty",
			envs: map[string]string{
				"MINIO_ENDPOINT":    "localhost:9000",
				"MINIO_JOBS_BUCKET": "jobs",
				"MINIO_USE_SSL":     "true",
				"MINIO_ACCESS_KEY":  "ak",
				"MINIO_SECRET_KEY":  "",
			},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetMinioConfig()
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetConfig(t *testing.T) {
	tests := []struct {
		name     string
		envs     map[string]string
		expected *Config
	}{
		{
			name: "valid config",
			envs: map[string]string{
				"SERVICE_NAME": "svc",
				"TRACE_URL":    "localhost:4318",
				"CACHE_TYPE":   "redis",
				"STORAGE_TYPE": "minio",
			},
			expected: &Config{
				SERVICE_NAME: "svc",
				TRACE_URL:    "localhost:4318",
				CACHE_TYPE:   "redis",
				STORAGE_TYPE: "minio",
			},
		},
		{
			name: "config defaults",
			envs: map[string]string{
				"SERVICE_NAME": "",
				"TRACE_URL":    "",
				"CACHE_TYPE":   "",
				"STORAGE_TYPE": "",
			},
			expected: &Config{
				SERVICE_NAME: "jobrunner",
				CACHE_TYPE:   "freecache",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetConfig()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

func TestGetTimingConfig(t *testing.T) {
	keys := map[string]string{
		"POLL_INTERVAL":         "",
		"SYNC_POLL_INTERVAL":    "",
		"SYNC_TIMEOUT":          "",
		"FINISH_RETRY_DELAY":    "",
		"LOG_INTERVAL":          "",
		"CALLBACK_QUEUE_SIZE":   "",
		"CALLBACK_MAX_INFLIGHT": "",
	}
	with := func(overrides map[string]string) map[string]string {
		out := map[string]string{}
		for k, v := range keys {
			out[k] = v
		}
		for k, v := range overrides {
			out[k] = v
		}
		return out
	}

	tests := []struct {
		name      string
		envs      map[string]string
		expected  *TimingConfig
		expectErr bool
	}{
		{
			name:     "all defaults",
			envs:     with(nil),
			expected: &TimingConfig{},
		},
		{
			name: "overrides",
			envs: with(map[string]string{
				"POLL_INTERVAL":         "250ms",
				"SYNC_TIMEOUT":          "2h",
				"FINISH_RETRY_DELAY":    "5s",
				"CALLBACK_MAX_INFLIGHT": "64",
			}),
			expected: &TimingConfig{
				POLL_INTERVAL:         250 * time.Millisecond,
				SYNC_TIMEOUT:          2 * time.Hour,
				FINISH_RETRY_DELAY:    5 * time.Second,
				CALLBACK_MAX_INFLIGHT: 64,
			},
		},
		{
			name:      "bad duration",
			envs:      with(map[string]string{"SYNC_TIMEOUT": "soon"}),
			expectErr: true,
		},
		{
			name:      "negative duration",
			envs:      with(map[string]string{"POLL_INTERVAL": "-1s"}),
			expectErr: true,
		},
		{
			name:      "bad inflight",
			envs:      with(map[string]string{"CALLBACK_MAX_INFLIGHT": "many"}),
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			cfg, err := GetTimingConfig()
			if tt.expectErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(cfg, tt.expected) {
				t.Fatalf("got %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DEFAULT_BASE_URL      = "https://ci.kbase.us/services/"
	DEFAULT_MAX_TASKS     = 10
	DEFAULT_RUNTIME       = "docker"
	DEFAULT_CALLBACK_PORT = 9999
	TOKEN_EXPIRY_MARGIN   = 600 * time.Second
	TOKEN_FILE            = "token"

	authLegacyPath = "auth/api/legacy/KBase/Sessions/Login"
	authV2Path     = "auth/api/V2/token"
)

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type NatsConfig struct {
	URL               string
	TTL               int
	BUCKET_NAME       string
	BUCKET_SIZE_BYTES int
}

type FreeCacheConfig struct {
	SIZE_BYTES int
	TTL        int
}

type MinioConfig struct {
	URL         string
	JOBS_BUCKET string
	ACCESS_KEY  string
	SECRET_KEY  string
	USE_SSL     bool
}

// TimingConfig holds loop intervals and limits. Zero values mean the
// component default.
type TimingConfig struct {
	POLL_INTERVAL         time.Duration
	SYNC_POLL_INTERVAL    time.Duration
	SYNC_TIMEOUT          time.Duration
	FINISH_RETRY_DELAY    time.Duration
	LOG_INTERVAL          time.Duration
	CALLBACK_QUEUE_SIZE   int
	CALLBACK_MAX_INFLIGHT int
}

type Config struct {
	SERVICE_NAME string
	TRACE_URL    string
	CACHE_TYPE   string
	STORAGE_TYPE string
}

// RunnerConfig holds everything a single job run needs from its environment.
type RunnerConfig struct {
	JOB_ID               string
	BASE_URL             string
	EE2_URL              string
	CATALOG_URL          string
	AUTH_URL             string
	AUTH2_URL            string
	WORKDIR              string
	MAX_TASKS            int
	RUNTIME              string
	TOKEN                string
	ADMIN_TOKEN          string
	CLIENT_GROUP         string
	BYPASS_TOKEN         bool
	DEBUG                bool
	CALLBACK_IP          string
	CALLBACK_PORT        int
	ALLOW_SET_PROVENANCE bool
	PROV_FILE            string
	REF_DATA_BASE        string
}

// CallbackURL is the address containers use to reach the callback server.
func (c *RunnerConfig) CallbackURL() string {
	return fmt.Sprintf("http://%s:%d/", c.CALLBACK_IP, c.CALLBACK_PORT)
}

func env(key string) string {
	v := os.Getenv(key)
	return v
}

func convertStringToInt(s string, key string) (int, error) {
	sInt, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return sInt, nil
}

func intOrDefault(key string, def int) (int, error) {
	v := env(key)
	if v == "" {
		return def, nil
	}
	return convertStringToInt(v, key)
}

func boolOrDefault(key string, def bool) (bool, error) {
	v := strings.ToLower(env(key))
	switch v {
	case "":
		return def, nil
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return def, fmt.Errorf("KEY: %s is invalid", key)
}

func durationOrZero(key string) (time.Duration, error) {
	v := env(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("KEY: %s is invalid", key)
	}
	return d, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}

	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}

	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetNatsConfig() (*NatsConfig, error) {
	ttl, err := convertStringToInt(env("JETSTREAM_TTL"), "JETSTREAM_TTL")
	if err != nil {
		return nil, err
	}
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	bn := env("JETSTREAM_BUCKET_NAME")
	if bn == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_BUCKET_NAME is empty")
	}
	bs, err := intOrDefault("JETSTREAM_BUCKET_SIZE", -1)
	if err != nil {
		return nil, err
	}
	return &NatsConfig{
		URL:               url,
		TTL:               ttl,
		BUCKET_NAME:       bn,
		BUCKET_SIZE_BYTES: bs,
	}, nil
}

// GetFreeCacheConfig falls back to an 8MB cache whose entries never expire.
func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	ttl, err := intOrDefault("FREECACHE_TTL", 0)
	if err != nil {
		return nil, err
	}
	fs, err := intOrDefault("FREECACHE_SIZE", 8*1024*1024)
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{
		TTL:        ttl,
		SIZE_BYTES: fs,
	}, nil
}

func GetConfig() (*Config, error) {
	sn := env("SERVICE_NAME")
	if sn == "" {
		sn = "jobrunner"
	}
	ct := env("CACHE_TYPE")
	if ct == "" {
		ct = "freecache"
	}
	return &Config{
		SERVICE_NAME: sn,
		TRACE_URL:    env("TRACE_URL"),
		CACHE_TYPE:   ct,
		STORAGE_TYPE: env("STORAGE_TYPE"),
	}, nil
}

func GetTimingConfig() (*TimingConfig, error) {
	tc := &TimingConfig{}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"POLL_INTERVAL", &tc.POLL_INTERVAL},
		{"SYNC_POLL_INTERVAL", &tc.SYNC_POLL_INTERVAL},
		{"SYNC_TIMEOUT", &tc.SYNC_TIMEOUT},
		{"FINISH_RETRY_DELAY", &tc.FINISH_RETRY_DELAY},
		{"LOG_INTERVAL", &tc.LOG_INTERVAL},
	}
	for _, d := range durations {
		v, err := durationOrZero(d.key)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	var err error
	if tc.CALLBACK_QUEUE_SIZE, err = intOrDefault("CALLBACK_QUEUE_SIZE", 0); err != nil {
		return nil, err
	}
	if tc.CALLBACK_MAX_INFLIGHT, err = intOrDefault("CALLBACK_MAX_INFLIGHT", 0); err != nil {
		return nil, err
	}
	return tc, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}

	jb := env("MINIO_JOBS_BUCKET")
	if jb == "" {
		return nil, fmt.Errorf("KEY: MINIO_JOBS_BUCKET is empty")
	}

	ssl := env("MINIO_USE_SSL")
	if ssl != "true" && ssl != "false" {
		return nil, fmt.Errorf("KEY: MINIO_USE_SSL is invalid")
	}

	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}

	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}

	return &MinioConfig{
		URL:         url,
		JOBS_BUCKET: jb,
		USE_SSL:     ssl == "true",
		ACCESS_KEY:  ak,
		SECRET_KEY:  sk,
	}, nil
}

// GetRunnerConfig reads the runner environment. jobID and ee2URL come from
// the command line; ee2URL may be empty in callback-only mode, in which case
// service URLs derive from KBASE_BASE_URL.
func GetRunnerConfig(jobID, ee2URL string) (*RunnerConfig, error) {
	base := env("KBASE_BASE_URL")
	if base == "" {
		base = DEFAULT_BASE_URL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if ee2URL != "" && strings.HasSuffix(ee2URL, "ee2") {
		base = strings.TrimSuffix(ee2URL, "ee2")
	}

	wd := env("JOB_DIR")
	if wd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("KEY: JOB_DIR is empty and cwd is unavailable: %w", err)
		}
		wd = cwd
	}

	mt, err := intOrDefault("JR_MAX_TASKS", DEFAULT_MAX_TASKS)
	if err != nil {
		return nil, err
	}
	if mt < 1 {
		return nil, fmt.Errorf("KEY: JR_MAX_TASKS must be positive")
	}

	rt := env("RUNTIME")
	if rt == "" {
		rt = DEFAULT_RUNTIME
	}
	if env("USE_SHIFTER") != "" {
		rt = "containerd"
	}
	if rt != "docker" && rt != "containerd" {
		return nil, fmt.Errorf("KEY: RUNTIME is invalid: %s", rt)
	}

	token, err := getToken(wd)
	if err != nil {
		return nil, err
	}

	bypass, err := boolOrDefault("BYPASS_TOKEN", true)
	if err != nil {
		return nil, err
	}
	debug, err := boolOrDefault("DEBUG_MODE", false)
	if err != nil {
		return nil, err
	}
	allowProv, err := boolOrDefault("CALLBACK_ALLOW_SET_PROVENANCE", false)
	if err != nil {
		return nil, err
	}
	port, err := intOrDefault("CALLBACK_PORT", DEFAULT_CALLBACK_PORT)
	if err != nil {
		return nil, err
	}

	ip := env("CALLBACK_IP")
	if ip == "" {
		ip = "localhost"
	}

	rd := env("REF_DATA_BASE")
	if rd == "" {
		rd = "/kb/data"
	}

	if ee2URL == "" && jobID != "" {
		ee2URL = base + "ee2"
	}

	return &RunnerConfig{
		JOB_ID:               jobID,
		BASE_URL:             base,
		EE2_URL:              ee2URL,
		CATALOG_URL:          base + "catalog",
		AUTH_URL:             base + authLegacyPath,
		AUTH2_URL:            base + authV2Path,
		WORKDIR:              wd,
		MAX_TASKS:            mt,
		RUNTIME:              rt,
		TOKEN:                token,
		ADMIN_TOKEN:          popAdminToken(),
		CLIENT_GROUP:         env("CLIENTGROUP"),
		BYPASS_TOKEN:         bypass,
		DEBUG:                debug,
		CALLBACK_IP:          ip,
		CALLBACK_PORT:        port,
		ALLOW_SET_PROVENANCE: allowProv,
		PROV_FILE:            env("PROV_FILE"),
		REF_DATA_BASE:        rd,
	}, nil
}

// getToken reads KB_AUTH_TOKEN, falling back to a token file in the workdir.
func getToken(workdir string) (string, error) {
	if t := env("KB_AUTH_TOKEN"); t != "" {
		return t, nil
	}
	b, err := os.ReadFile(filepath.Join(workdir, TOKEN_FILE))
	if err != nil {
		return "", fmt.Errorf("KEY: KB_AUTH_TOKEN is empty and no token file found")
	}
	t := strings.TrimRight(string(b), "\r\n ")
	_ = os.Setenv("KB_AUTH_TOKEN", t)
	return t, nil
}

// popAdminToken removes the admin token from the environment so containers
// never inherit it.
func popAdminToken() string {
	t := env("KB_ADMIN_AUTH_TOKEN")
	if t != "" {
		_ = os.Unsetenv("KB_ADMIN_AUTH_TOKEN")
	}
	return t
}

// ServiceConfig is written to config.properties for every job and returned
// by the callback server in standalone mode.
func (c *RunnerConfig) ServiceConfig() map[string]any {
	base := c.BASE_URL
	return map[string]any{
		"kbase-endpoint":                  base,
		"external-url":                    base + "ee2",
		"shock-url":                       base + "shock-api",
		"handle-url":                      base + "handle_service",
		"srv-wiz-url":                     base + "service_wizard",
		"auth-service-url":                c.AUTH_URL,
		"auth-service-url-v2":             c.AUTH2_URL,
		"auth-service-url-allow-insecure": false,
		"scratch":                         "/kb/module/work/tmp",
		"workspace-url":                   base + "ws",
		"ref_data_base":                   c.REF_DATA_BASE,
	}
}

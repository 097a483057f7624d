// Package config reads snapshotd settings from SNAPSHOTD_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilhg/tenantsnap/pkg/engine"
	"github.com/wilhg/tenantsnap/pkg/providers/teamchat"
)

const prefix = "SNAPSHOTD_"

type Config struct {
	Addr        string
	DatabaseURL string
	LogLevel    string
	// LogFormat is console or json.
	LogFormat string

	TokenTTL           time.Duration
	ProviderTimeout    time.Duration
	LockTTL            time.Duration
	CaptureConcurrency int

	// RowCap bounds high-volume tables per capture; 0 means unbounded.
	RowCap int
	// ChatMessageCap bounds captured chat messages; 0 keeps the default.
	ChatMessageCap int

	TruncationPolicy  engine.TruncationPolicy
	SafetySnapshot    bool
	ParallelRestore   bool
	DisabledProviders []string

	OTelStdout bool
}

// Load returns the configuration from the environment, falling back to
// defaults for unset variables. All malformed values are reported together.
func Load() (Config, error) {
	var errs []error
	c := Config{
		Addr:        getEnv("ADDR", ":8080"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite:file:snapshotd.sqlite?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}
	c.TokenTTL = getDuration("TOKEN_TTL", engine.DefaultTokenTTL, &errs)
	c.ProviderTimeout = getDuration("PROVIDER_TIMEOUT", engine.DefaultProviderTimeout, &errs)
	c.LockTTL = getDuration("LOCK_TTL", engine.DefaultLockTTL, &errs)
	c.CaptureConcurrency = getInt("CAPTURE_CONCURRENCY", engine.DefaultCaptureConcurrency, &errs)
	c.RowCap = getInt("ROW_CAP", 0, &errs)
	c.ChatMessageCap = getInt("CHAT_MESSAGE_CAP", teamchat.DefaultMessageCap, &errs)
	c.SafetySnapshot = getBool("SAFETY_SNAPSHOT", true, &errs)
	c.ParallelRestore = getBool("PARALLEL_RESTORE", false, &errs)
	c.OTelStdout = getBool("OTEL_STDOUT", false, &errs)

	policy, err := engine.ParseTruncationPolicy(getEnv("TRUNCATION_POLICY", string(engine.TruncationWarn)))
	if err != nil {
		errs = append(errs, fmt.Errorf("%sTRUNCATION_POLICY: %w", prefix, err))
	}
	c.TruncationPolicy = policy

	for _, id := range strings.Split(getEnv("DISABLED_PROVIDERS", ""), ",") {
		if id = strings.TrimSpace(id); id != "" {
			c.DisabledProviders = append(c.DisabledProviders, id)
		}
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_FORMAT: want console or json, got %q", prefix, c.LogFormat))
	}
	if c.RowCap < 0 || c.ChatMessageCap < 0 {
		errs = append(errs, fmt.Errorf("%sROW_CAP and %sCHAT_MESSAGE_CAP must not be negative", prefix, prefix))
	}
	return c, errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v := os.Getenv(prefix + key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s%s: want a positive duration, got %q", prefix, key, v))
		return def
	}
	return d
}

func getInt(key string, def int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: want an integer, got %q", prefix, key, v))
		return def
	}
	return n
}

func getBool(key string, def bool, errs *[]error) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: want true or false, got %q", prefix, key, v))
		return def
	}
	return b
}

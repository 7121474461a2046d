// Package config handles environment variable and config-file loading for
// ports, database strings, and scheduler tuning knobs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for a peer process.
type Config struct {
	// DatabaseURL is the Postgres connection string backing the Store,
	// the Coordination Primitive, and the peer directory.
	DatabaseURL string

	// GroupName identifies the group of peers this process joins; the
	// coordination key is "{group-name}:leader".
	GroupName string

	// SelfURI is this peer's address, used as requestor/worker/leader URI
	// and as the discovery tag value.
	SelfURI string

	// HTTPPort serves the Assignment RPC and Liveness Probe; metrics are
	// served separately on port 6162.
	HTTPPort int

	// Tyrant opts this peer into the tyrant bootstrap strategy.
	Tyrant bool

	// LeaseTTL is the normal leader lease TTL.
	LeaseTTL time.Duration
	// ElectionInterval is how often a peer attempts Acquire/renew.
	ElectionInterval time.Duration
	// TyrantRenewInterval is the tyrant's dedicated renewal cadence.
	TyrantRenewInterval time.Duration

	// ScanInterval is how often the leader's Project Scanner runs.
	ScanInterval time.Duration
	// AssignmentBackoff is the back-off hint returned when the queue is
	// empty.
	AssignmentBackoff time.Duration

	// RPCRateLimit caps next-bucket calls per requestor URI per second; 0
	// disables the limit.
	RPCRateLimit float64
	RPCRateBurst int

	// BucketTimeout is the wall-clock limit enforced per bucket.
	BucketTimeout time.Duration
	// LogPollingInterval is the Task Runner's reap/tail poll cadence,
	// 10s by default.
	LogPollingInterval time.Duration

	// WorkDir is the working directory root for project checkouts.
	WorkDir string

	// Runtime selects the Task Runner sandbox backend: exec | docker |
	// kubernetes.
	Runtime string

	OTELEndpoint string

	// SMTP settings for the mail Notifier Adapter.
	SMTPHost   string
	SMTPPort   int
	SMTPFrom   string
	AdminEmail string

	// Chat settings for the Notifier Adapter.
	ChatWebhookURL string
	ChatRoomID     string
	ChatToken      string

	// GUIBaseURL is prefixed onto notification messages ("...- {gui_url}").
	GUIBaseURL string
}

// Load reads configuration from an optional YAML file and environment
// variables (env wins over file), validating required fields.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("http_port", 6161)
	v.SetDefault("group_name", "default")
	v.SetDefault("lease_ttl", 15*time.Second)
	v.SetDefault("election_interval", 5*time.Second)
	v.SetDefault("tyrant_renew_interval", 60*time.Second)
	v.SetDefault("scan_interval", 10*time.Second)
	v.SetDefault("assignment_backoff", 30*time.Second)
	v.SetDefault("rpc_rate_limit", 5.0)
	v.SetDefault("rpc_rate_burst", 10)
	v.SetDefault("bucket_timeout", 7200*time.Second)
	v.SetDefault("log_polling_interval", 10*time.Second)
	v.SetDefault("work_dir", "./workspace")
	v.SetDefault("runtime", "exec")
	v.SetDefault("otel_exporter_otlp_endpoint", "localhost:4317")
	v.SetDefault("smtp_port", 25)

	bindEnv(v, "database_url", "DATABASE_URL")
	bindEnv(v, "group_name", "GROUP_NAME")
	bindEnv(v, "self_uri", "SELF_URI")
	bindEnv(v, "http_port", "PORT")
	bindEnv(v, "tyrant", "TYRANT")
	bindEnv(v, "lease_ttl", "LEASE_TTL")
	bindEnv(v, "election_interval", "ELECTION_INTERVAL")
	bindEnv(v, "tyrant_renew_interval", "TYRANT_RENEW_INTERVAL")
	bindEnv(v, "scan_interval", "SCAN_INTERVAL")
	bindEnv(v, "assignment_backoff", "ASSIGNMENT_BACKOFF")
	bindEnv(v, "rpc_rate_limit", "RPC_RATE_LIMIT")
	bindEnv(v, "rpc_rate_burst", "RPC_RATE_BURST")
	bindEnv(v, "bucket_timeout", "BUCKET_TIMEOUT")
	bindEnv(v, "log_polling_interval", "LOG_POLLING_INTERVAL")
	bindEnv(v, "work_dir", "WORK_DIR")
	bindEnv(v, "runtime", "RUNTIME")
	bindEnv(v, "otel_exporter_otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	bindEnv(v, "smtp_host", "SMTP_HOST")
	bindEnv(v, "smtp_port", "SMTP_PORT")
	bindEnv(v, "smtp_from", "SMTP_FROM")
	bindEnv(v, "admin_email", "ADMIN_EMAIL")
	bindEnv(v, "chat_webhook_url", "CHAT_WEBHOOK_URL")
	bindEnv(v, "chat_room_id", "CHAT_ROOM_ID")
	bindEnv(v, "chat_token", "CHAT_TOKEN")
	bindEnv(v, "gui_base_url", "GUI_BASE_URL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	if v.GetString("database_url") == "" {
		return nil, fmt.Errorf("database_url is required (env: DATABASE_URL)")
	}

	runtime := v.GetString("runtime")
	switch runtime {
	case "exec", "docker", "kubernetes":
	default:
		return nil, fmt.Errorf("invalid runtime %q: must be exec, docker, or kubernetes", runtime)
	}

	return &Config{
		DatabaseURL:         v.GetString("database_url"),
		GroupName:           v.GetString("group_name"),
		SelfURI:             v.GetString("self_uri"),
		HTTPPort:            v.GetInt("http_port"),
		Tyrant:              v.GetBool("tyrant"),
		LeaseTTL:            v.GetDuration("lease_ttl"),
		ElectionInterval:    v.GetDuration("election_interval"),
		TyrantRenewInterval: v.GetDuration("tyrant_renew_interval"),
		ScanInterval:        v.GetDuration("scan_interval"),
		AssignmentBackoff:   v.GetDuration("assignment_backoff"),
		RPCRateLimit:        v.GetFloat64("rpc_rate_limit"),
		RPCRateBurst:        v.GetInt("rpc_rate_burst"),
		BucketTimeout:       v.GetDuration("bucket_timeout"),
		LogPollingInterval:  v.GetDuration("log_polling_interval"),
		WorkDir:             v.GetString("work_dir"),
		Runtime:             runtime,
		OTELEndpoint:        v.GetString("otel_exporter_otlp_endpoint"),
		SMTPHost:            v.GetString("smtp_host"),
		SMTPPort:            v.GetInt("smtp_port"),
		SMTPFrom:            v.GetString("smtp_from"),
		AdminEmail:          v.GetString("admin_email"),
		ChatWebhookURL:      v.GetString("chat_webhook_url"),
		ChatRoomID:          v.GetString("chat_room_id"),
		ChatToken:           v.GetString("chat_token"),
		GUIBaseURL:          v.GetString("gui_base_url"),
	}, nil
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

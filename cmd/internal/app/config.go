package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/cmd/internal/realtime"
)

// Bus backends.
const (
	BusNone     = "none"
	BusRedis    = "redis"
	BusPostgres = "postgres"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// DatabaseURL empty means in-memory stores.
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBSchema      string
	DBAutoMigrate bool

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	Bus       string
	RedisURL  string
	BusPrefix string
	NodeID    string

	KafkaBrokers []string
	KafkaTopic   string

	Rooms             realtime.RegistryConfig
	PermissionRecheck time.Duration

	PasetoPublicKeyHex string
	AuthIssuer         string
	AuthClockSkew      time.Duration
	// AuthDevInsecure accepts "dev:<user id>" tokens. Never in production.
	AuthDevInsecure bool

	WS realtime.GatewayConfig
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	rooms := realtime.DefaultRegistryConfig()
	return Config{
		HTTPAddr:  EnvString("LOOM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("LOOM_LOG_LEVEL", "info"),
		LogFormat: EnvString("LOOM_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("LOOM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LOOM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("LOOM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("LOOM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("LOOM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("LOOM_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("LOOM_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("LOOM_DB_MIN_CONNS", 0),
		DBSchema:      EnvString("LOOM_DB_SCHEMA", "loom"),
		DBAutoMigrate: EnvBool("LOOM_DB_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("LOOM_READINESS_REQUIRE_DB", false),

		Bus:       strings.ToLower(EnvString("LOOM_BUS", BusNone)),
		RedisURL:  EnvString("LOOM_REDIS_URL", ""),
		BusPrefix: EnvString("LOOM_BUS_PREFIX", "loom:"),
		NodeID:    EnvString("LOOM_NODE_ID", ""),

		KafkaBrokers: EnvCSV("LOOM_KAFKA_BROKERS", ""),
		KafkaTopic:   EnvString("LOOM_KAFKA_TOPIC", "loom.events"),

		Rooms: realtime.RegistryConfig{
			CheckpointInterval: EnvDuration("LOOM_CHECKPOINT_INTERVAL", rooms.CheckpointInterval),
			CheckpointEvery:    EnvInt("LOOM_CHECKPOINT_EVERY", rooms.CheckpointEvery),
			MaxPendingDiffs:    EnvInt("LOOM_MAX_PENDING_DIFFS", rooms.MaxPendingDiffs),
			StorageTimeout:     EnvDuration("LOOM_STORAGE_TIMEOUT", rooms.StorageTimeout),
			HydrateAttempts:    EnvInt("LOOM_HYDRATE_ATTEMPTS", rooms.HydrateAttempts),
			RetryBaseBackoff:   rooms.RetryBaseBackoff,
			RetryMaxBackoff:    rooms.RetryMaxBackoff,
			ServerBatchRetries: rooms.ServerBatchRetries,
			ResyncTimeout:      EnvDuration("LOOM_RESYNC_TIMEOUT", rooms.ResyncTimeout),
		},
		PermissionRecheck: EnvDuration("LOOM_PERMISSION_RECHECK", 30*time.Second),

		PasetoPublicKeyHex: EnvString("LOOM_AUTH_PASETO_PUBLIC_KEY_HEX", ""),
		AuthIssuer:         EnvString("LOOM_AUTH_ISSUER", "loom"),
		AuthClockSkew:      EnvDuration("LOOM_AUTH_CLOCK_SKEW", 30*time.Second),
		AuthDevInsecure:    EnvBool("LOOM_AUTH_DEV_INSECURE", false),

		WS: loadGatewayConfig(),
	}
}

func loadGatewayConfig() realtime.GatewayConfig {
	def := realtime.DefaultGatewayConfig()
	origins := EnvCSV("LOOM_WS_ALLOWED_ORIGINS", "")
	if len(origins) == 0 {
		origins = def.AllowedOrigins
	}
	return realtime.GatewayConfig{
		DevInsecure:      EnvBool("LOOM_WS_DEV_INSECURE", false),
		OriginRequired:   EnvBool("LOOM_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins:   origins,
		WriteTimeout:     EnvDuration("LOOM_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout:  EnvDuration("LOOM_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		SendQueueSize:    EnvInt("LOOM_WS_SEND_QUEUE", def.SendQueueSize),
		MaxFrameBytes:    int64(EnvInt("LOOM_WS_MAX_FRAME_BYTES", int(def.MaxFrameBytes))),
		HeartbeatEvery:   EnvDuration("LOOM_WS_HEARTBEAT_INTERVAL", def.HeartbeatEvery),
		HeartbeatTimeout: EnvDuration("LOOM_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		RateEvents:       EnvInt("LOOM_WS_RATE_EVENTS", def.RateEvents),
		RateWindow:       EnvDuration("LOOM_WS_RATE_WINDOW", def.RateWindow),
		RateStrikes:      EnvInt("LOOM_WS_RATE_STRIKES", def.RateStrikes),
	}
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	switch c.Bus {
	case BusNone:
	case BusRedis:
		if c.RedisURL == "" {
			return errors.New("config: LOOM_BUS=redis requires LOOM_REDIS_URL")
		}
	case BusPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: LOOM_BUS=postgres requires LOOM_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown LOOM_BUS %q", c.Bus)
	}
	if c.PasetoPublicKeyHex == "" && !c.AuthDevInsecure {
		return errors.New("config: set LOOM_AUTH_PASETO_PUBLIC_KEY_HEX or LOOM_AUTH_DEV_INSECURE=true")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("config: LOOM_DB_MIN_CONNS (%d) exceeds LOOM_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// AutoMigrate applies embedded migrations on startup when a database is configured.
	AutoMigrate bool

	// If true, /readyz returns 503 unless a database is configured and reachable.
	ReadinessRequireDB bool

	// If true, QRLOGIN_TOKEN_HMAC_KEY must be set (>= 32 bytes).
	RequireTokenHMAC bool

	// CORS. "*" allows any origin; entries may use a "*" port wildcard.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// In-memory mode only: seeds one claimant so the flow can be exercised locally.
	DevUserName  string
	DevUserToken string

	// OTLP/HTTP trace endpoint; empty disables tracing.
	OTLPEndpoint string
	ServiceName  string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("QRLOGIN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("QRLOGIN_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("QRLOGIN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("QRLOGIN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("QRLOGIN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("QRLOGIN_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("QRLOGIN_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("QRLOGIN_SHUTDOWN_TIMEOUT", 10*time.Second),

		DatabaseURL: EnvString("QRLOGIN_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("QRLOGIN_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("QRLOGIN_DB_MIN_CONNS", 0),
		AutoMigrate: EnvBool("QRLOGIN_AUTO_MIGRATE", true),

		ReadinessRequireDB: EnvBool("QRLOGIN_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("QRLOGIN_REQUIRE_TOKEN_HMAC", false),

		CORSAllowedOrigins:   EnvCSV("QRLOGIN_CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowCredentials: EnvBool("QRLOGIN_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("QRLOGIN_CORS_MAX_AGE_SECONDS", 600),

		DevUserName:  EnvString("QRLOGIN_DEV_USER_NAME", ""),
		DevUserToken: EnvString("QRLOGIN_DEV_USER_TOKEN", ""),

		OTLPEndpoint: EnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  EnvString("OTEL_SERVICE_NAME", "qrlogin"),
	}
}

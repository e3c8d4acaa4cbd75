package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	IngressAddr        string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	BuilderAuthToken   string
	PlatformDomain     string
	PublicScheme       string
	RouteStore         string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	NginxConfigPath    string
	NginxContainerName string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	LogQueryLimit      int
	LogQueryMaxLimit   int
	SSEHeartbeat       time.Duration
	RouteSyncTimeout   time.Duration
	// StaleBuildAfter should exceed the sum of the builder's step timeouts.
	StaleBuildAfter    time.Duration
	ReapInterval       time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		IngressAddr:        GetString("INGRESS_ADDR", ":8080"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		BuilderAuthToken:   GetString("BUILDER_AUTH_TOKEN", ""),
		PlatformDomain:     GetString("PLATFORM_DOMAIN", "localhost"),
		PublicScheme:       GetString("PUBLIC_SCHEME", "https"),
		RouteStore:         GetString("ROUTE_STORE", "memory"),
		RedisAddr:          GetString("REDIS_ADDR", ""),
		RedisPassword:      GetString("REDIS_PASSWORD", ""),
		RedisDB:            GetInt("REDIS_DB", 0),
		NginxConfigPath:    GetString("NGINX_CONFIG_PATH", "/etc/nginx/conf.d"),
		NginxContainerName: GetString("NGINX_CONTAINER_NAME", ""),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		LogQueryLimit:      GetInt("LOG_QUERY_LIMIT", 200),
		LogQueryMaxLimit:   GetInt("LOG_QUERY_MAX_LIMIT", 1000),
		SSEHeartbeat:       GetSeconds("SSE_HEARTBEAT_SECONDS", 15),
		RouteSyncTimeout:   GetSeconds("ROUTE_SYNC_TIMEOUT_SECONDS", 30),
		StaleBuildAfter:    GetSeconds("DEPLOYMENT_STALE_AFTER_SECONDS", 2700),
		ReapInterval:       GetSeconds("DEPLOYMENT_REAP_INTERVAL_SECONDS", 60),
	}
}

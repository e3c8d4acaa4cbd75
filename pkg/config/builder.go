package config

import "time"

// BuilderConfig holds runtime configuration for the builder service.
type BuilderConfig struct {
	Environment      string
	Addr             string
	LogLevel         string
	APIURL           string
	BuilderAuthToken string
	DockerHost       string
	GitToken         string
	GitSSHKey        string
	GitKnownHosts    string
	GitSSHInsecure   bool
	CloneDepth       int
	WorkspaceMaxAge  time.Duration
	Workdir          string
	Concurrency      int
	PollInterval     time.Duration
	CloneTimeout     time.Duration
	InstallTimeout   time.Duration
	BuildTimeout     time.Duration
	PublishTimeout   time.Duration
	Registry         string
	LogRetries       int
	LogBackoff       time.Duration
	ReadinessPath    string
	ReadinessTimeout time.Duration
	HostAddress      string
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Environment:      GetString("APP_ENV", "development"),
		Addr:             GetString("BUILDER_ADDR", ":5000"),
		LogLevel:         GetString("LOG_LEVEL", "info"),
		APIURL:           GetString("API_URL", "http://localhost:4000"),
		BuilderAuthToken: GetString("BUILDER_AUTH_TOKEN", ""),
		DockerHost:       GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		GitToken:         GetString("GIT_TOKEN", ""),
		GitSSHKey:        GetString("GIT_SSH_KEY", ""),
		GitKnownHosts:    GetString("GIT_KNOWN_HOSTS", ""),
		GitSSHInsecure:   GetBool("GIT_SSH_INSECURE", false),
		CloneDepth:       GetInt("CLONE_DEPTH", 1),
		WorkspaceMaxAge:  GetSeconds("WORKSPACE_MAX_AGE_SECONDS", 86400),
		Workdir:          GetString("BUILDER_WORKDIR", "/tmp/dumcel"),
		Concurrency:      GetInt("BUILDER_CONCURRENCY", 2),
		PollInterval:     GetMillis("BUILDER_POLL_INTERVAL_MS", 2000),
		CloneTimeout:     GetSeconds("CLONE_TIMEOUT_SECONDS", 120),
		InstallTimeout:   GetSeconds("INSTALL_TIMEOUT_SECONDS", 600),
		BuildTimeout:     GetSeconds("BUILD_TIMEOUT_SECONDS", 900),
		PublishTimeout:   GetSeconds("PUBLISH_TIMEOUT_SECONDS", 120),
		Registry:         GetString("DOCKER_REGISTRY", "dumcel"),
		LogRetries:       GetInt("LOG_APPEND_RETRIES", 3),
		LogBackoff:       GetMillis("LOG_APPEND_BACKOFF_MS", 200),
		ReadinessPath:    GetString("READINESS_PATH", "/"),
		ReadinessTimeout: GetSeconds("READINESS_TIMEOUT_SECONDS", 30),
		HostAddress:      GetString("BUILDER_PUBLIC_HOST", "127.0.0.1"),
	}
}

package config

import "time"

// Config holds runtime configuration for the orchestration engine.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	WorkspaceRoot string
	DockerBin     string
	GitBin        string

	CloneTimeout      time.Duration
	BuildTimeout      time.Duration
	CommandTimeout    time.Duration
	HealthSettle      time.Duration
	DeployImagePrefix string

	GitHubAppID          string
	GitHubPrivateKeyPath string
	GitHubAPIBaseURL     string
	GitHubTokenTimeout   time.Duration
	WebhookSecret        string
	SecretsKey           string

	NginxConfigPath     string
	NginxReloadCommand  string
	NginxContainerName  string
	IngressDomainSuffix string
	CertbotCommand      string
	CertbotEmail        string
	ServerPublicIP      string

	RealtimeRecentProjects int
	RealtimeRecentLogs     int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ENGINE_ADDR", ":8080"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://md0:md0@db:5432/md0?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		WorkspaceRoot: GetString("DEPLOY_WORKSPACE_ROOT", "/var/lib/md0/workspaces"),
		DockerBin:     GetString("DOCKER_BIN", "docker"),
		GitBin:        GetString("GIT_BIN", "git"),

		CloneTimeout:      time.Duration(GetInt("DEPLOY_CLONE_TIMEOUT_SECONDS", 120)) * time.Second,
		BuildTimeout:      time.Duration(GetInt("DEPLOY_BUILD_TIMEOUT_SECONDS", 900)) * time.Second,
		CommandTimeout:    time.Duration(GetInt("DEPLOY_COMMAND_TIMEOUT_SECONDS", 60)) * time.Second,
		HealthSettle:      time.Duration(GetInt("DEPLOY_HEALTH_SETTLE_SECONDS", 5)) * time.Second,
		DeployImagePrefix: GetString("DEPLOY_IMAGE_PREFIX", "md0"),

		GitHubAppID:          GetString("GITHUB_APP_ID", ""),
		GitHubPrivateKeyPath: GetString("GITHUB_APP_PRIVATE_KEY_PATH", ""),
		GitHubAPIBaseURL:     GetString("GITHUB_API_BASE_URL", "https://api.github.com"),
		GitHubTokenTimeout:   time.Duration(GetInt("GITHUB_TOKEN_TIMEOUT_SECONDS", 10)) * time.Second,
		WebhookSecret:        GetString("GITHUB_WEBHOOK_SECRET", ""),
		SecretsKey:           GetString("SECRETS_ENCRYPTION_KEY", "insecure-dev-key"),

		NginxConfigPath:     GetString("NGINX_CONFIG_PATH", "/etc/nginx/conf.d"),
		NginxReloadCommand:  GetString("NGINX_RELOAD_COMMAND", "nginx -s reload"),
		NginxContainerName:  GetString("NGINX_CONTAINER_NAME", ""),
		IngressDomainSuffix: GetString("INGRESS_DOMAIN_SUFFIX", ".local.md0"),
		CertbotCommand:      GetString("CERTBOT_COMMAND", "certbot"),
		CertbotEmail:        GetString("CERTBOT_EMAIL", ""),
		ServerPublicIP:      GetString("SERVER_PUBLIC_IP", ""),

		RealtimeRecentProjects: GetInt("REALTIME_RECENT_PROJECTS", 20),
		RealtimeRecentLogs:     GetInt("REALTIME_RECENT_LOGS", 50),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

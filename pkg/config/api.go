package config

import "time"

// APIConfig holds runtime configuration for the provisioning API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	TemplateDir        string
	WorkspaceRoot      string
	TerraformBin       string
	ProvisionDeadline  time.Duration
	StreamHeartbeat    time.Duration
	AWSRegion          string
	AWSRoleARN         string
	AWSSessionPrefix   string
	CredentialTTL      time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://cloudwrap:cloudwrap@db:5432/cloudwrap?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		TemplateDir:        GetString("TEMPLATE_DIR", "templates"),
		WorkspaceRoot:      GetString("WORKSPACE_ROOT", ""),
		TerraformBin:       GetString("TERRAFORM_BIN", "terraform"),
		ProvisionDeadline:  GetDuration("PROVISION_DEADLINE", 0),
		StreamHeartbeat:    GetDuration("STREAM_HEARTBEAT", 15*time.Second),
		AWSRegion:          GetString("AWS_REGION", "us-east-1"),
		AWSRoleARN:         GetString("AWS_ROLE_ARN", ""),
		AWSSessionPrefix:   GetString("AWS_SESSION_PREFIX", "cloudwrap"),
		CredentialTTL:      GetDuration("CREDENTIAL_TTL", time.Hour),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

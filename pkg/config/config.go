package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	CORS      CORSConfig
	Log       LogConfig
	Moodle    MoodleConfig
	Signature SignatureConfig
	Artifacts ArtifactsConfig
	Workflow  WorkflowConfig
	Statement StatementConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MoodleConfig points at the LMS web service endpoint.
type MoodleConfig struct {
	URL            string
	Token          string
	CourseID       int
	AssignmentCMID int
	Timeout        time.Duration
}

// SignatureConfig configures the Dropbox Sign integration.
type SignatureConfig struct {
	APIKey   string
	BaseURL  string
	TestMode bool
	Timeout  time.Duration
	Title    string
	Subject  string
	Message  string
}

// ArtifactsConfig controls where generated and signed statements are stored.
type ArtifactsConfig struct {
	StorageDir      string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
	S3Prefix        string
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

// WorkflowConfig tunes orchestration and reconciliation.
type WorkflowConfig struct {
	OverdueAfter    time.Duration
	SweepInterval   time.Duration
	BatchLimit      int
	LockTTL         time.Duration
	StatsCacheTTL   time.Duration
	SkipSignature   bool
	BulkConcurrency int
}

// StatementConfig holds the fixed qualification details printed on each statement.
type StatementConfig struct {
	QualificationTitle    string
	SAQAID                string
	NQFLevel              int
	Credits               int
	ProviderName          string
	ProviderAccreditation string
	CompetentThreshold    float64
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Moodle = MoodleConfig{
		URL:            strings.TrimRight(v.GetString("MOODLE_URL"), "/"),
		Token:          v.GetString("MOODLE_TOKEN"),
		CourseID:       v.GetInt("MOODLE_COURSE_ID"),
		AssignmentCMID: v.GetInt("MOODLE_ASSIGNMENT_CMID"),
		Timeout:        parseDuration(v.GetString("MOODLE_TIMEOUT"), 30*time.Second),
	}

	cfg.Signature = SignatureConfig{
		APIKey:   v.GetString("DROPBOX_SIGN_API_KEY"),
		BaseURL:  strings.TrimRight(v.GetString("DROPBOX_SIGN_BASE_URL"), "/"),
		TestMode: v.GetBool("DROPBOX_SIGN_TEST_MODE"),
		Timeout:  parseDuration(v.GetString("DROPBOX_SIGN_TIMEOUT"), 30*time.Second),
		Title:    v.GetString("SIGNATURE_TITLE"),
		Subject:  v.GetString("SIGNATURE_SUBJECT"),
		Message:  v.GetString("SIGNATURE_MESSAGE"),
	}

	cfg.Artifacts = ArtifactsConfig{
		StorageDir:      v.GetString("ARTIFACTS_STORAGE_DIR"),
		S3Bucket:        v.GetString("ARTIFACTS_S3_BUCKET"),
		S3Region:        v.GetString("ARTIFACTS_S3_REGION"),
		S3Endpoint:      v.GetString("ARTIFACTS_S3_ENDPOINT"),
		S3PathStyle:     v.GetBool("ARTIFACTS_S3_PATH_STYLE"),
		S3Prefix:        v.GetString("ARTIFACTS_S3_PREFIX"),
		SignedURLSecret: v.GetString("ARTIFACTS_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("ARTIFACTS_SIGNED_URL_TTL"), 30*time.Minute),
	}

	cfg.Workflow = WorkflowConfig{
		OverdueAfter:    parseDuration(v.GetString("WORKFLOW_OVERDUE_AFTER"), 7*24*time.Hour),
		SweepInterval:   parseDuration(v.GetString("WORKFLOW_SWEEP_INTERVAL"), 0),
		BatchLimit:      v.GetInt("WORKFLOW_BATCH_LIMIT"),
		LockTTL:         parseDuration(v.GetString("WORKFLOW_LOCK_TTL"), 5*time.Minute),
		StatsCacheTTL:   parseDuration(v.GetString("WORKFLOW_STATS_CACHE_TTL"), 30*time.Second),
		SkipSignature:   v.GetBool("WORKFLOW_SKIP_SIGNATURE"),
		BulkConcurrency: v.GetInt("WORKFLOW_BULK_CONCURRENCY"),
	}

	cfg.Statement = StatementConfig{
		QualificationTitle:    v.GetString("STATEMENT_QUALIFICATION_TITLE"),
		SAQAID:                v.GetString("STATEMENT_SAQA_ID"),
		NQFLevel:              v.GetInt("STATEMENT_NQF_LEVEL"),
		Credits:               v.GetInt("STATEMENT_CREDITS"),
		ProviderName:          v.GetString("STATEMENT_PROVIDER_NAME"),
		ProviderAccreditation: v.GetString("STATEMENT_PROVIDER_ACCREDITATION"),
		CompetentThreshold:    v.GetFloat64("STATEMENT_COMPETENT_THRESHOLD"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sor_automation")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", false)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("MOODLE_URL", "http://localhost:8888/moodle")
	v.SetDefault("MOODLE_TOKEN", "")
	v.SetDefault("MOODLE_COURSE_ID", 8)
	v.SetDefault("MOODLE_ASSIGNMENT_CMID", 0)
	v.SetDefault("MOODLE_TIMEOUT", "30s")

	v.SetDefault("DROPBOX_SIGN_API_KEY", "")
	v.SetDefault("DROPBOX_SIGN_BASE_URL", "https://api.hellosign.com/v3")
	v.SetDefault("DROPBOX_SIGN_TEST_MODE", true)
	v.SetDefault("DROPBOX_SIGN_TIMEOUT", "30s")
	v.SetDefault("SIGNATURE_TITLE", "Statement of Results - Signature Required")
	v.SetDefault("SIGNATURE_SUBJECT", "Please sign your Statement of Results")
	v.SetDefault("SIGNATURE_MESSAGE", "Please review and sign your Statement of Results.")

	v.SetDefault("ARTIFACTS_STORAGE_DIR", "./artifacts")
	v.SetDefault("ARTIFACTS_S3_BUCKET", "")
	v.SetDefault("ARTIFACTS_S3_REGION", "us-east-1")
	v.SetDefault("ARTIFACTS_S3_ENDPOINT", "")
	v.SetDefault("ARTIFACTS_S3_PATH_STYLE", false)
	v.SetDefault("ARTIFACTS_S3_PREFIX", "statements")
	v.SetDefault("ARTIFACTS_SIGNED_URL_SECRET", "dev_artifacts_secret")
	v.SetDefault("ARTIFACTS_SIGNED_URL_TTL", "30m")

	v.SetDefault("WORKFLOW_OVERDUE_AFTER", "168h")
	v.SetDefault("WORKFLOW_SWEEP_INTERVAL", "")
	v.SetDefault("WORKFLOW_BATCH_LIMIT", 500)
	v.SetDefault("WORKFLOW_LOCK_TTL", "5m")
	v.SetDefault("WORKFLOW_STATS_CACHE_TTL", "30s")
	v.SetDefault("WORKFLOW_SKIP_SIGNATURE", false)
	v.SetDefault("WORKFLOW_BULK_CONCURRENCY", 4)

	v.SetDefault("STATEMENT_QUALIFICATION_TITLE", "Occupational Certificate: Software Engineer")
	v.SetDefault("STATEMENT_SAQA_ID", "119458")
	v.SetDefault("STATEMENT_NQF_LEVEL", 6)
	v.SetDefault("STATEMENT_CREDITS", 240)
	v.SetDefault("STATEMENT_PROVIDER_NAME", "MindWorx Academy")
	v.SetDefault("STATEMENT_PROVIDER_ACCREDITATION", "")
	v.SetDefault("STATEMENT_COMPETENT_THRESHOLD", 70)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

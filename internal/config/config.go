package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port         int
	TLSPort      int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers     []string
	EventsTopic string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
	Enabled  bool
}

type ElasticsearchConfig struct {
	URL      string
	Username string
	Password string
	Enabled  bool
	Index    string
}

type TokenConfig struct {
	Secret          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type HashingConfig struct {
	BcryptCost         int
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperSecret       string
	PepperRotationDays int
}

type OTPConfig struct {
	TTL          time.Duration
	MaxAttempts  int
	LockDuration time.Duration
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	ChallengeTTL  time.Duration
}

type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
}

type OAuthConfig struct {
	Google   OAuthProviderConfig
	Facebook OAuthProviderConfig
}

type SMSConfig struct {
	APIURL             string
	APIKey             string
	SenderID           string
	DefaultCountryCode string
	RequestTimeout     time.Duration
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type BucketingConfig struct {
	IdentityBuckets int
	EventBuckets    int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type Config struct {
	Environment   string
	Server        ServerConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Token         TokenConfig
	Hashing       HashingConfig
	OTP           OTPConfig
	WebAuthn      WebAuthnConfig
	OAuth         OAuthConfig
	SMS           SMSConfig
	KMS           KMSConfig
	Bucketing     BucketingConfig
	Logging       LoggingConfig
}

var (
	loaded *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment, loading a .env file
// first when present.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		loaded = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/lib/identity-service/certs"),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "identity"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Brokers:     getEnvList("KAFKA_BROKERS", nil),
				EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "identity-security-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnv("CLICKHOUSE_URL", "") != "",
			},
			Elasticsearch: ElasticsearchConfig{
				URL:      getEnv("ELASTICSEARCH_URL", ""),
				Username: getEnv("ELASTICSEARCH_USERNAME", ""),
				Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
				Enabled:  getEnv("ELASTICSEARCH_URL", "") != "",
				Index:    getEnv("ELASTICSEARCH_EVENTS_INDEX", "identity-security-events"),
			},
			Token: TokenConfig{
				Secret:          getEnv("TOKEN_SECRET", ""),
				AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", time.Minute),
				RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			},
			Hashing: HashingConfig{
				BcryptCost:         getEnvInt("BCRYPT_COST", 12),
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 64*1024),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
				PepperSecret:       getEnv("PEPPER_SECRET", ""),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
			OTP: OTPConfig{
				TTL:          getEnvDuration("OTP_TTL", 2*time.Minute),
				MaxAttempts:  getEnvInt("OTP_MAX_ATTEMPTS", 5),
				LockDuration: getEnvDuration("OTP_LOCK_DURATION", 15*time.Minute),
			},
			WebAuthn: WebAuthnConfig{
				RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
				RPDisplayName: getEnv("WEBAUTHN_RP_NAME", "Identity Service"),
				RPOrigins:     getEnvList("WEBAUTHN_RP_ORIGINS", []string{"http://localhost:3000"}),
				ChallengeTTL:  getEnvDuration("WEBAUTHN_CHALLENGE_TTL", 5*time.Minute),
			},
			OAuth: OAuthConfig{
				Google: OAuthProviderConfig{
					ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
					ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
				},
				Facebook: OAuthProviderConfig{
					ClientID:     getEnv("FACEBOOK_CLIENT_ID", ""),
					ClientSecret: getEnv("FACEBOOK_CLIENT_SECRET", ""),
				},
			},
			SMS: SMSConfig{
				APIURL:             getEnv("SMS_API_URL", ""),
				APIKey:             getEnv("SMS_API_KEY", ""),
				SenderID:           getEnv("SMS_SENDER_ID", "IDENTITY"),
				DefaultCountryCode: getEnv("SMS_DEFAULT_COUNTRY_CODE", "+52"),
				RequestTimeout:     getEnvDuration("SMS_REQUEST_TIMEOUT", 10*time.Second),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Bucketing: BucketingConfig{
				IdentityBuckets: getEnvInt("IDENTITY_BUCKETS", 64),
				EventBuckets:    getEnvInt("EVENT_BUCKETS", 16),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "console"),
			},
		}
	})

	return loaded
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

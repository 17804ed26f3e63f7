package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/validator"
)

type APIKeyClaims struct {
	LobID  string `mapstructure:"lob_id"  json:"lob_id"  validate:"required"`
	TeamID string `mapstructure:"team_id" json:"team_id" validate:"required"`
	UserID string `mapstructure:"user_id" json:"user_id" validate:"required"`
	Admin  bool   `mapstructure:"admin"   json:"admin"`
}

type APIKey struct {
	Active *bool        `mapstructure:"active" json:"active" validate:"required"`
	ID     string       `mapstructure:"id"     json:"id"     validate:"required,uuid_rfc4122"`
	Token  string       `mapstructure:"token"  json:"token"  validate:"required"`
	Note   string       `mapstructure:"note"   json:"note"`
	Claims APIKeyClaims `mapstructure:"claims" json:"claims" validate:"required"`
}

type PostgresConfig struct {
	User               string        `validate:"required"`
	Password           string        `validate:"required"`
	Host               string        `validate:"required"`
	Database           string        `validate:"required"`
	MaxIdleConnections int           `validate:"required" mapstructure:"max_idle_connections"`
	MaxOpenConnections int           `validate:"required" mapstructure:"max_open_connections"`
	ConnectionTTL      time.Duration `validate:"required" mapstructure:"connection_ttl"`
	Port               int16         `validate:"required"`
}

type KubernetesConfig struct {
	// "aks" or "openshift"
	Provider          string `mapstructure:"provider"           validate:"required,oneof=aks openshift"`
	KubeConfigPath    string `mapstructure:"kube_config_path"`
	ContainerRegistry string `mapstructure:"container_registry" validate:"required"`
	InCluster         bool   `mapstructure:"in_cluster"`
}

type MessagingQueueConfig struct {
	URL         string `mapstructure:"url"          validate:"required"`
	TestResults string `mapstructure:"test_results" validate:"required"`
	Cleanup     string `mapstructure:"cleanup"      validate:"required"`
}

type MessagingConfig struct {
	Queues *MessagingQueueConfig `mapstructure:"queues" validate:"required"`
}

type StorageContainerConfig struct {
	URL         string `mapstructure:"url"          validate:"required"`
	TestResults string `mapstructure:"test_results" validate:"required"`
}

type StorageConfig struct {
	Containers *StorageContainerConfig `mapstructure:"containers" validate:"required"`
	Name       string                  `mapstructure:"name"       validate:"required"`
	Key        string                  `mapstructure:"key"        validate:"required"`
}

type S3ArchiveConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
	SSLEnabled      bool   `mapstructure:"ssl_enabled"`
	Enabled         bool   `mapstructure:"enabled"`
}

type SendGridConfig struct {
	APIKey      string `mapstructure:"api_key"`
	SenderEmail string `mapstructure:"sender_email"`
}

type NotificationsConfig struct {
	SendGrid SendGridConfig `mapstructure:"sendgrid"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type GormLogConfig struct {
	Level        int  `mapstructure:"level"`
	TraceQueries bool `mapstructure:"trace_queries"`
}

type LoggingConfig struct {
	Gorm    GormLogConfig `mapstructure:"gorm"`
	App     SlogConfig    `mapstructure:"app"`
	UseOTLP bool          `mapstructure:"use_otlp"`
}

type RateLimitConfig struct {
	RedisHost       string `mapstructure:"redis_host"`
	GlobalPerMinute int64  `mapstructure:"global_per_minute"`
	SubmitPerMinute int64  `mapstructure:"submit_per_minute"`
	FailOpen        bool   `mapstructure:"fail_open"`
}

// See testexec.yaml for an example config
type Config struct {
	Postgres             *PostgresConfig      `mapstructure:"postgres"      validate:"required"`
	Kubernetes           *KubernetesConfig    `mapstructure:"kubernetes"    validate:"required"`
	Messaging            *MessagingConfig     `mapstructure:"messaging"     validate:"required"`
	Storage              *StorageConfig       `mapstructure:"storage"       validate:"required"`
	S3Archive            *S3ArchiveConfig     `mapstructure:"s3_archive"`
	Notifications        *NotificationsConfig `mapstructure:"notifications"`
	Logging              *LoggingConfig       `mapstructure:"logging"       validate:"required"`
	RateLimit            *RateLimitConfig     `mapstructure:"ratelimit"`
	ListenAddress        string               `mapstructure:"listen_address" validate:"required"`
	APIKeys              []APIKey             `mapstructure:"api_keys"       validate:"required"`
	GracefulShutdownSecs int64                `mapstructure:"graceful_shutdown_secs"`
}

const (
	AppLogLevel                string = "logging.app.level"
	CleanupQueue               string = "messaging.queues.cleanup"
	EnvPrefix                  string = "testexec"
	GlobalPerMinute            string = "ratelimit.global_per_minute"
	GormLogLevel               string = "logging.gorm.level"
	GormTraceQueries           string = "logging.gorm.trace_queries"
	GracefulShutdownSecs       string = "graceful_shutdown_secs"
	KubernetesProvider         string = "kubernetes.provider"
	KubernetesRegistry         string = "kubernetes.container_registry"
	ListenAddress              string = "listen_address"
	PostgresConnectonTTL       string = "postgres.connection_ttl"
	PostgresDatabase           string = "postgres.database"
	PostgresHost               string = "postgres.host"
	PostgresMaxIdleConnections string = "postgres.max_idle_connections"
	PostgresMaxOpenConnections string = "postgres.max_open_connections"
	PostgresPassword           string = "postgres.password"
	PostgresPort               string = "postgres.port"
	PostgresUser               string = "postgres.user"
	RateLimitFailOpen          string = "ratelimit.fail_open"
	RedisHost                  string = "ratelimit.redis_host"
	S3AccessKeyID              string = "s3_archive.access_key_id"
	S3ArchiveEnabled           string = "s3_archive.enabled"
	S3SSLEnabled               string = "s3_archive.ssl_enabled"
	S3SecretAccessKey          string = "s3_archive.secret_access_key" // #nosec
	SendGridAPIKey             string = "notifications.sendgrid.api_key"
	StorageAccountKey          string = "storage.key"
	SubmitPerMinute            string = "ratelimit.submit_per_minute"
	TestResultsContainer       string = "storage.containers.test_results"
	TestResultsQueue           string = "messaging.queues.test_results"
	UseOTLP                    string = "logging.use_otlp"
)

var configReady = false
var config Config

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("testexec")

	v.AddConfigPath("/etc/testexec/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	for _, key := range []string{
		PostgresPassword,
		StorageAccountKey,
		S3AccessKeyID,
		S3SecretAccessKey,
		SendGridAPIKey,
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	v.SetDefault(ListenAddress, "[::]:1323")
	v.SetDefault(PostgresHost, "localhost")
	v.SetDefault(PostgresPort, 5432)
	v.SetDefault(PostgresMaxIdleConnections, 2)
	v.SetDefault(PostgresMaxOpenConnections, 10)
	v.SetDefault(PostgresConnectonTTL, 10*time.Minute)
	v.SetDefault(GormLogLevel, int(slog.LevelWarn))
	v.SetDefault(GormTraceQueries, false)
	v.SetDefault(AppLogLevel, int(slog.LevelInfo))
	v.SetDefault(KubernetesProvider, "aks")
	v.SetDefault(TestResultsQueue, "test-results-metadata")
	v.SetDefault(CleanupQueue, "job-cleanup")
	v.SetDefault(TestResultsContainer, "test-results")
	v.SetDefault(S3ArchiveEnabled, false)
	v.SetDefault(S3SSLEnabled, true)

	v.SetDefault(RedisHost, "localhost")
	v.SetDefault(GlobalPerMinute, 0)
	v.SetDefault(SubmitPerMinute, 0)
	v.SetDefault(RateLimitFailOpen, true)

	v.SetDefault(UseOTLP, false)

	v.SetDefault(GracefulShutdownSecs, 30)

	err := v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	configReady = true
	return &config, nil
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Postgres.User),
		url.QueryEscape(c.Postgres.Password),
		c.Postgres.Host, c.Postgres.Port,
		url.QueryEscape(c.Postgres.Database),
	)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the worker's
// working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	DatabaseURL   string `yaml:"databaseURL"`
	MongoURI      string `yaml:"mongoURI"`
	MongoDatabase string `yaml:"mongoDatabase"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	QueueName               string `yaml:"queueName"`
	QueueGroup              string `yaml:"queueGroup"`
	QueueConcurrency        int    `yaml:"queueConcurrency"`
	QueueMaxAttempts        int    `yaml:"queueMaxAttempts"`
	QueueBackoffBaseSeconds int    `yaml:"queueBackoffBaseSeconds"`
	QueueBackoffCapSeconds  int    `yaml:"queueBackoffCapSeconds"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	MLServiceURL                    string `yaml:"mlServiceURL"`
	BackgroundRemovalTimeoutSeconds int    `yaml:"backgroundRemovalTimeoutSeconds"`
	PoseDetectionTimeoutSeconds     int    `yaml:"poseDetectionTimeoutSeconds"`
	MeasurementTimeoutSeconds       int    `yaml:"measurementTimeoutSeconds"`
	ClassificationTimeoutSeconds    int    `yaml:"classificationTimeoutSeconds"`

	AMQPURL     string `yaml:"amqpURL"`
	EventsQueue string `yaml:"eventsQueue"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("LOGS_DIR"); v != "" {
		cfg.LogsDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.MongoDatabase = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AVATAR_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("AVATAR_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("AVATAR_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("AVATAR_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxAttempts = n
		}
	}
	if v := os.Getenv("AVATAR_QUEUE_BACKOFF_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueBackoffBaseSeconds = n
		}
	}
	if v := os.Getenv("AVATAR_QUEUE_BACKOFF_CAP_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueBackoffCapSeconds = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if useSSL, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = useSSL
		}
	}
	if v := os.Getenv("ML_SERVICE_URL"); v != "" {
		cfg.MLServiceURL = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("AVATAR_EVENTS_QUEUE"); v != "" {
		cfg.EventsQueue = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.MongoURI == "" {
		return errors.New("config: mongoURI is required (set in config.yaml or MONGO_URI)")
	}
	if cfg.MongoDatabase == "" {
		return errors.New("config: mongoDatabase is required (set in config.yaml or MONGO_DATABASE)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.QueueName == "" {
		return errors.New("config: queueName is required (set in config.yaml or AVATAR_QUEUE_NAME)")
	}
	if cfg.QueueConcurrency < 0 {
		return errors.New("config: queueConcurrency must be >= 0")
	}
	if cfg.QueueMaxAttempts < 0 {
		return errors.New("config: queueMaxAttempts must be >= 0")
	}
	if cfg.QueueBackoffBaseSeconds < 0 || cfg.QueueBackoffCapSeconds < 0 {
		return errors.New("config: queue backoff settings must be >= 0")
	}
	if cfg.QueueBackoffCapSeconds > 0 && cfg.QueueBackoffBaseSeconds > cfg.QueueBackoffCapSeconds {
		return errors.New("config: queueBackoffBaseSeconds must not exceed queueBackoffCapSeconds")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml or MINIO_ENDPOINT)")
	}
	if strings.TrimSpace(cfg.MinioAccessKey) == "" || strings.TrimSpace(cfg.MinioSecretKey) == "" {
		return errors.New("config: minio credentials are required (MINIO_ACCESS_KEY + MINIO_SECRET_KEY)")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml or MINIO_BUCKET)")
	}
	if cfg.MLServiceURL == "" {
		return errors.New("config: mlServiceURL is required (set in config.yaml or ML_SERVICE_URL)")
	}
	if cfg.BackgroundRemovalTimeoutSeconds < 0 || cfg.PoseDetectionTimeoutSeconds < 0 ||
		cfg.MeasurementTimeoutSeconds < 0 || cfg.ClassificationTimeoutSeconds < 0 {
		return errors.New("config: ml timeout settings must be >= 0")
	}
	if cfg.AMQPURL != "" && cfg.EventsQueue == "" {
		return errors.New("config: eventsQueue is required when amqpURL is set")
	}
	return nil
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Backend  BackendConfig
	Pipeline PipelineConfig
	Tracing  TracingConfig
	GPUs     []GPUSlotConfig
	Webhooks []WebhookConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// DatabaseConfig holds Postgres configuration for the avatar library store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration, used for the duration-probe cache
// and the GPU registry snapshot cache.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds MinIO configuration for avatar asset blobs.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds RabbitMQ configuration for the task lifecycle exchange.
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// BackendConfig holds the ffmpeg/ffprobe binary paths used by every Media
// Staging invocation. Backend Client timeouts are constants in
// internal/backend, not configuration.
type BackendConfig struct {
	FFmpegPath  string
	FFprobePath string
}

// PipelineConfig controls the Pipeline Driver's timing and chunking
// behavior.
type PipelineConfig struct {
	ChunkCount          int
	ChunkReserveWait    time.Duration
	InferenceTimeout    time.Duration
	ChunkTimeout        time.Duration
	MonitorPollInterval time.Duration
	OutputMissingGrace  time.Duration
	OutputsDir          string
	TempDir             string
	DefaultVideoPath    string
	DefaultAudioPath    string
	MaxTerminalTasks    int
}

// TracingConfig controls the Jaeger tracer wrapping pipeline phase spans.
type TracingConfig struct {
	ServiceName    string
	JaegerEndpoint string
}

// GPUSlotConfig is the static description of one accelerator, loaded at
// process start and handed to the registry. It replaces the teacher's
// single TranscoderConfig.GPUDeviceIndex int, since this system manages N
// independent slots rather than one encoder device.
type GPUSlotConfig struct {
	ID            int
	InferenceAddr string
	TTSAddr       string
	StagingDir    string
}

// WebhookConfig is one client-registered notification endpoint.
type WebhookConfig struct {
	URL    string
	Secret string
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.GPUs) == 0 {
		config.GPUs = defaultGPUSlots()
	}

	return &config, nil
}

func defaultGPUSlots() []GPUSlotConfig {
	return []GPUSlotConfig{
		{ID: 0, InferenceAddr: "127.0.0.1:8390", TTSAddr: "127.0.0.1:18182", StagingDir: "/data/gpu0"},
		{ID: 1, InferenceAddr: "127.0.0.1:8391", TTSAddr: "127.0.0.1:18183", StagingDir: "/data/gpu1"},
		{ID: 2, InferenceAddr: "127.0.0.1:8392", TTSAddr: "127.0.0.1:18184", StagingDir: "/data/gpu2"},
	}
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.rateLimitRPS", 5.0)
	viper.SetDefault("server.rateLimitBurst", 10)

	// Database defaults (avatar library store)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "orchestrator")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 10)
	viper.SetDefault("database.minConns", 2)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Storage defaults (avatar asset blobs)
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "avatars")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Queue defaults (task lifecycle exchange)
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Backend defaults
	viper.SetDefault("backend.ffmpegPath", "ffmpeg")
	viper.SetDefault("backend.ffprobePath", "ffprobe")

	// Pipeline defaults
	viper.SetDefault("pipeline.chunkCount", 3)
	viper.SetDefault("pipeline.chunkReserveWait", "30s")
	viper.SetDefault("pipeline.inferenceTimeout", "30m")
	viper.SetDefault("pipeline.chunkTimeout", "10m")
	viper.SetDefault("pipeline.monitorPollInterval", "5s")
	viper.SetDefault("pipeline.outputMissingGrace", "10s")
	viper.SetDefault("pipeline.outputsDir", "/data/outputs")
	viper.SetDefault("pipeline.tempDir", "/data/temp")
	viper.SetDefault("pipeline.defaultVideoPath", "/data/defaults/video.mp4")
	viper.SetDefault("pipeline.defaultAudioPath", "/data/defaults/audio.wav")
	viper.SetDefault("pipeline.maxTerminalTasks", 500)

	// Tracing defaults
	viper.SetDefault("tracing.serviceName", "orchestrator")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}

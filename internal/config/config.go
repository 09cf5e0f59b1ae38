// Package config handles loading and parsing of Honeydew configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for Honeydew.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Storage       StorageConfig       `yaml:"storage"`
	Upload        UploadConfig        `yaml:"upload"`
	Deletion      DeletionConfig      `yaml:"deletion"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the graceful shutdown timeout in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxUploadSize is the largest declared upload length accepted, in bytes.
	MaxUploadSize int64 `yaml:"max_upload_size"`
	// PublicURL is the externally visible base URL used when building share
	// links. When empty, links are relative.
	PublicURL string `yaml:"public_url"`
	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string `yaml:"cors_origins"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ObservabilityConfig holds metrics, health check and tracing settings.
type ObservabilityConfig struct {
	Metrics     bool          `yaml:"metrics"`
	HealthCheck bool          `yaml:"health_check"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP/HTTP collector host:port.
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// LedgerConfig selects and configures the upload ledger engine.
type LedgerConfig struct {
	// Engine is one of "sqlite", "postgres", "mysql", "memory", "dynamodb",
	// "firestore", "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Postgres  SQLConfig       `yaml:"postgres"`
	MySQL     SQLConfig       `yaml:"mysql"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
	Cache     CacheConfig     `yaml:"cache"`
}

// SQLiteConfig holds SQLite-specific ledger settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
}

// SQLConfig holds a network database DSN.
type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

// DynamoDBConfig holds DynamoDB ledger settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds Firestore ledger settings.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds Azure Cosmos DB ledger settings.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// CacheConfig enables the redis read-through cache in front of the ledger.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

// StorageType names a storage backend.
type StorageType string

const (
	StorageDisk       StorageType = "Disk"
	StorageS3         StorageType = "S3"
	StorageAzureBlobs StorageType = "AzureBlobs"
	StorageGCS        StorageType = "GCS"
	StorageMemory     StorageType = "Memory"
)

// ParseStorageType maps a configured type name, including the lowercase
// aliases, to a StorageType. ok is false for unknown names.
func ParseStorageType(s string) (t StorageType, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disk", "local":
		return StorageDisk, true
	case "s3", "aws":
		return StorageS3, true
	case "azureblobs", "azure":
		return StorageAzureBlobs, true
	case "gcs", "gcp":
		return StorageGCS, true
	case "memory":
		return StorageMemory, true
	}
	return StorageType(s), false
}

// StorageConfig holds storage backend settings.
type StorageConfig struct {
	Type       string           `yaml:"type"`
	Disk       DiskConfig       `yaml:"disk"`
	S3         S3Config         `yaml:"s3"`
	AzureBlobs AzureBlobsConfig `yaml:"azure_blobs"`
	GCS        GCSConfig        `yaml:"gcs"`
	Memory     MemoryConfig     `yaml:"memory"`
}

// DiskConfig holds local filesystem backend settings.
type DiskConfig struct {
	// CacheDirectory holds partially received uploads.
	CacheDirectory string `yaml:"cache_directory"`
	// StorageDirectory holds finalized uploads.
	StorageDirectory string `yaml:"storage_directory"`
	BlockSize        int    `yaml:"block_size"`
}

// S3Config holds S3 multipart backend settings.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	AccessKey       string `yaml:"access_key"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// EndpointURL points the client at an S3-compatible service such as MinIO.
	EndpointURL  string `yaml:"endpoint_url"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
	// MaxRangeBytes caps a single ranged read; 0 means unlimited.
	MaxRangeBytes int64 `yaml:"max_range_bytes"`
}

// AzureBlobsConfig holds Azure block blob backend settings.
type AzureBlobsConfig struct {
	ConnectionString string `yaml:"connection_string"`
	ContainerName    string `yaml:"container_name"`
	// AccountURL is used with managed identity or the default credential
	// chain when no connection string is set.
	AccountURL         string `yaml:"account_url"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
	Prefix             string `yaml:"prefix"`
	MaxRangeBytes      int64  `yaml:"max_range_bytes"`
}

// GCSConfig holds Google Cloud Storage backend settings.
type GCSConfig struct {
	Bucket        string `yaml:"bucket"`
	Project       string `yaml:"project"`
	Prefix        string `yaml:"prefix"`
	BlockSize     int    `yaml:"block_size"`
	MaxRangeBytes int64  `yaml:"max_range_bytes"`
}

// MemoryConfig holds in-memory backend settings, for tests and demos.
type MemoryConfig struct {
	BlockSize int `yaml:"block_size"`
	// MaxSizeBytes caps the bytes held in memory; 0 means unlimited.
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// UploadConfig holds chunked upload engine settings.
type UploadConfig struct {
	// ReadBufferSize is the size of each read from a request body.
	ReadBufferSize int `yaml:"read_buffer_size"`
	// SlugAlphabet and SlugSize shape generated upload IDs.
	SlugAlphabet string `yaml:"slug_alphabet"`
	SlugSize     int    `yaml:"slug_size"`
}

// DeletionConfig holds the upload deletion policy.
type DeletionConfig struct {
	AllowDeletionOfUploads            bool `yaml:"allow_deletion_of_uploads"`
	AlsoDeleteFileFromStorage         bool `yaml:"also_delete_file_from_storage"`
	ScheduleAndMarkUploadsForDeletion bool `yaml:"schedule_and_mark_uploads_for_deletion"`
	DeleteSecondsAfterMarked          int  `yaml:"delete_seconds_after_marked"`
	RunCleanupEveryXSeconds           int  `yaml:"run_cleanup_every_x_seconds"`
}

const (
	defaultMaxRangeBytes  = 16 * 1024 * 1024
	defaultReadBufferSize = 50 * 1024
	defaultSlugAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	defaultSlugSize       = 5
)

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. Values of the form ${VAR} are expanded from the
// environment; a .env file next to the config (or in the working directory)
// seeds the environment without overriding variables already set.
// If the primary path fails, it falls back to honeydew.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	for _, envFile := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
			}
			break
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "honeydew.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "honeydew.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
			MaxUploadSize:   5368709120, // 5 GiB
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
			Tracing: TracingConfig{
				Endpoint:    "localhost:4318",
				ServiceName: "honeydew",
			},
		},
		Ledger: LedgerConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{
				Path: "./data/honeydew.db",
			},
			Cache: CacheConfig{
				TTLSeconds: 60,
			},
		},
		Storage: StorageConfig{
			Type: string(StorageDisk),
			Disk: DiskConfig{
				CacheDirectory:   "./data/cache",
				StorageDirectory: "./data/uploads",
				BlockSize:        1024 * 1024,
			},
			S3: S3Config{
				MaxRangeBytes: defaultMaxRangeBytes,
			},
			AzureBlobs: AzureBlobsConfig{
				MaxRangeBytes: defaultMaxRangeBytes,
			},
			GCS: GCSConfig{
				BlockSize:     8 * 1024 * 1024,
				MaxRangeBytes: defaultMaxRangeBytes,
			},
			Memory: MemoryConfig{
				BlockSize: 1024 * 1024,
			},
		},
		Upload: UploadConfig{
			ReadBufferSize: defaultReadBufferSize,
			SlugAlphabet:   defaultSlugAlphabet,
			SlugSize:       defaultSlugSize,
		},
		Deletion: DeletionConfig{
			AllowDeletionOfUploads:    true,
			AlsoDeleteFileFromStorage: true,
			DeleteSecondsAfterMarked:  3600,
			RunCleanupEveryXSeconds:   300,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling. Range caps are left alone: 0 means unlimited.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = 5368709120
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "honeydew"
	}
	if cfg.Ledger.Engine == "" {
		cfg.Ledger.Engine = "sqlite"
	}
	if cfg.Ledger.SQLite.Path == "" {
		cfg.Ledger.SQLite.Path = "./data/honeydew.db"
	}
	if cfg.Ledger.Cache.TTLSeconds == 0 {
		cfg.Ledger.Cache.TTLSeconds = 60
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = string(StorageDisk)
	}
	if cfg.Storage.Disk.CacheDirectory == "" {
		cfg.Storage.Disk.CacheDirectory = "./data/cache"
	}
	if cfg.Storage.Disk.StorageDirectory == "" {
		cfg.Storage.Disk.StorageDirectory = "./data/uploads"
	}
	if cfg.Storage.Disk.BlockSize == 0 {
		cfg.Storage.Disk.BlockSize = 1024 * 1024
	}
	if cfg.Storage.Memory.BlockSize == 0 {
		cfg.Storage.Memory.BlockSize = 1024 * 1024
	}
	if cfg.Storage.GCS.BlockSize == 0 {
		cfg.Storage.GCS.BlockSize = 8 * 1024 * 1024
	}
	if cfg.Upload.ReadBufferSize == 0 {
		cfg.Upload.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.Upload.SlugAlphabet == "" {
		cfg.Upload.SlugAlphabet = defaultSlugAlphabet
	}
	if cfg.Upload.SlugSize == 0 {
		cfg.Upload.SlugSize = defaultSlugSize
	}
	if cfg.Deletion.RunCleanupEveryXSeconds == 0 {
		cfg.Deletion.RunCleanupEveryXSeconds = 300
	}
}

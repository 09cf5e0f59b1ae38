package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/honeydew/honeydew/internal/slug"
)

// ConfigError reports a storage setting that is missing or invalid for the
// selected storage type.
type ConfigError struct {
	StorageType StorageType
	Setting     string
	Value       string
	// Detail replaces the default "but wasn't recognised or is invalid".
	Detail   string
	Examples []string
}

func (e *ConfigError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = "but wasn't recognised or is invalid"
	}
	msg := fmt.Sprintf("invalid storage config for type `%s`: `%s` was set to `%s` %s",
		e.StorageType, e.Setting, e.Value, detail)
	if len(e.Examples) > 0 {
		msg += ". Valid options may include `" + strings.Join(e.Examples, "`, `") + "`."
	}
	return msg
}

// Validate checks the storage, upload and deletion settings. Storage errors
// are returned as *ConfigError.
func (c *Config) Validate() error {
	st, ok := ParseStorageType(c.Storage.Type)
	if !ok {
		return &ConfigError{
			StorageType: st,
			Setting:     "type",
			Value:       c.Storage.Type,
			Examples:    []string{"Disk", "S3", "AzureBlobs", "GCS", "Memory"},
		}
	}

	switch st {
	case StorageDisk:
		d := c.Storage.Disk
		if strings.TrimSpace(d.CacheDirectory) == "" {
			return &ConfigError{StorageType: st, Setting: "cache_directory", Value: d.CacheDirectory,
				Examples: []string{"./data/cache"}}
		}
		if strings.TrimSpace(d.StorageDirectory) == "" {
			return &ConfigError{StorageType: st, Setting: "storage_directory", Value: d.StorageDirectory,
				Examples: []string{"./data/uploads"}}
		}
		if d.BlockSize <= 0 {
			return &ConfigError{StorageType: st, Setting: "block_size", Value: strconv.Itoa(d.BlockSize),
				Examples: []string{"1048576"}}
		}

	case StorageS3:
		s := c.Storage.S3
		if strings.TrimSpace(s.Bucket) == "" {
			return &ConfigError{StorageType: st, Setting: "bucket", Value: s.Bucket,
				Examples: []string{"honeydew", "my-bucket"}}
		}
		if strings.TrimSpace(s.Region) == "" {
			return &ConfigError{StorageType: st, Setting: "region", Value: s.Region,
				Examples: []string{"us-west-1"}}
		}
		// Static credentials come in pairs; with neither set the default
		// AWS credential chain is used.
		if s.AccessKey != "" && strings.TrimSpace(s.SecretAccessKey) == "" {
			return &ConfigError{StorageType: st, Setting: "secret_access_key", Value: s.SecretAccessKey}
		}
		if s.SecretAccessKey != "" && strings.TrimSpace(s.AccessKey) == "" {
			return &ConfigError{StorageType: st, Setting: "access_key", Value: s.AccessKey}
		}
		if s.MaxRangeBytes < 0 {
			return maxRangeError(st, s.MaxRangeBytes)
		}

	case StorageAzureBlobs:
		a := c.Storage.AzureBlobs
		if strings.TrimSpace(a.ConnectionString) == "" && strings.TrimSpace(a.AccountURL) == "" {
			return &ConfigError{StorageType: st, Setting: "connection_string", Value: a.ConnectionString,
				Examples: []string{
					"DefaultEndpointsProtocol=https;AccountName=<storage account name>;AccountKey=<your-access-key>;EndpointSuffix=core.windows.net",
					"UseDevelopmentStorage=true",
				}}
		}
		if strings.TrimSpace(a.ContainerName) == "" {
			return &ConfigError{StorageType: st, Setting: "container_name", Value: a.ContainerName,
				Examples: []string{"honeydew", "myazureblobcontainer"}}
		}
		if a.MaxRangeBytes < 0 {
			return maxRangeError(st, a.MaxRangeBytes)
		}

	case StorageGCS:
		g := c.Storage.GCS
		if strings.TrimSpace(g.Bucket) == "" {
			return &ConfigError{StorageType: st, Setting: "bucket", Value: g.Bucket,
				Examples: []string{"honeydew", "my-bucket"}}
		}
		if g.BlockSize <= 0 {
			return &ConfigError{StorageType: st, Setting: "block_size", Value: strconv.Itoa(g.BlockSize),
				Examples: []string{"8388608"}}
		}
		if g.MaxRangeBytes < 0 {
			return maxRangeError(st, g.MaxRangeBytes)
		}

	case StorageMemory:
		m := c.Storage.Memory
		if m.BlockSize <= 0 {
			return &ConfigError{StorageType: st, Setting: "block_size", Value: strconv.Itoa(m.BlockSize),
				Examples: []string{"1048576"}}
		}
		if m.MaxSizeBytes < 0 {
			return &ConfigError{StorageType: st, Setting: "max_size_bytes", Value: strconv.FormatInt(m.MaxSizeBytes, 10),
				Detail: "but must not be negative", Examples: []string{"0", "1073741824"}}
		}
	}

	if c.Upload.ReadBufferSize <= 0 {
		return fmt.Errorf("upload.read_buffer_size must be positive, got %d", c.Upload.ReadBufferSize)
	}
	if c.Upload.SlugSize < 1 {
		return fmt.Errorf("upload.slug_size must be positive, got %d", c.Upload.SlugSize)
	}
	if !slug.ValidAlphabet(c.Upload.SlugAlphabet) {
		return fmt.Errorf("upload.slug_alphabet must hold 2 to %d printable ASCII characters without /?#%%", slug.MaxAlphabet)
	}
	if c.Deletion.DeleteSecondsAfterMarked < 0 {
		return fmt.Errorf("deletion.delete_seconds_after_marked must not be negative, got %d", c.Deletion.DeleteSecondsAfterMarked)
	}
	if c.Deletion.RunCleanupEveryXSeconds <= 0 {
		return fmt.Errorf("deletion.run_cleanup_every_x_seconds must be positive, got %d", c.Deletion.RunCleanupEveryXSeconds)
	}
	return nil
}

func maxRangeError(st StorageType, v int64) *ConfigError {
	return &ConfigError{
		StorageType: st,
		Setting:     "max_range_bytes",
		Value:       strconv.FormatInt(v, 10),
		Examples:    []string{"16777216", "0"},
	}
}

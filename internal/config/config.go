package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Blob naming modes.
const (
	BlobNamingUUID = "uuid"
	BlobNamingSOP  = "sop"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	Metrics     bool     `mapstructure:"METRICS_ENABLED"`

	DBDriver    string `mapstructure:"DB_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	StorageRoot     string `mapstructure:"STORAGE_ROOT"`
	BlobNaming      string `mapstructure:"BLOB_NAMING"`
	DuplicatePolicy string `mapstructure:"DUPLICATE_POLICY"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	UploadTimeout  time.Duration `mapstructure:"UPLOAD_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	UploadMaxBody  string        `mapstructure:"UPLOAD_MAX_BODY"`

	DICOMEnabled           bool          `mapstructure:"DICOM_ENABLED"`
	DICOMAETitle           string        `mapstructure:"DICOM_AE_TITLE"`
	DICOMPort              string        `mapstructure:"DICOM_PORT"`
	DICOMAllowedCallingAEs []string      `mapstructure:"DICOM_ALLOWED_CALLING_AES"`
	DICOMReadTimeout       time.Duration `mapstructure:"DICOM_READ_TIMEOUT"`
	DICOMMaxPDU            uint32        `mapstructure:"DICOM_MAX_PDU"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("DB_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "imaging.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORAGE_ROOT", "./storage")
	v.SetDefault("BLOB_NAMING", BlobNamingUUID)
	v.SetDefault("DUPLICATE_POLICY", "overwrite")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("UPLOAD_TIMEOUT", "10m")
	v.SetDefault("BODY_LIMIT", "1MiB")
	v.SetDefault("UPLOAD_MAX_BODY", "2GB")
	v.SetDefault("DICOM_ENABLED", true)
	v.SetDefault("DICOM_AE_TITLE", "IMAGING_SCP")
	v.SetDefault("DICOM_PORT", "11112")
	v.SetDefault("DICOM_ALLOWED_CALLING_AES", "")
	v.SetDefault("DICOM_READ_TIMEOUT", "60s")
	v.SetDefault("DICOM_MAX_PDU", 16384)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "CORS_ORIGINS", "METRICS_ENABLED",
		"DB_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"STORAGE_ROOT", "BLOB_NAMING", "DUPLICATE_POLICY",
		"REQUEST_TIMEOUT", "UPLOAD_TIMEOUT", "BODY_LIMIT", "UPLOAD_MAX_BODY",
		"DICOM_ENABLED", "DICOM_AE_TITLE", "DICOM_PORT", "DICOM_ALLOWED_CALLING_AES",
		"DICOM_READ_TIMEOUT", "DICOM_MAX_PDU",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.DICOMAllowedCallingAEs = splitList(v.GetString("DICOM_ALLOWED_CALLING_AES"))
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))

	if cfg.DBDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when DB_DRIVER is %q", DriverPostgres)
	}

	return cfg, nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// NameBlobsBySOP reports whether blobs are stored as <SOPInstanceUID>.dcm.
func (c *Config) NameBlobsBySOP() bool {
	return c.BlobNaming == BlobNamingSOP
}

// MaxObjectSize is UPLOAD_MAX_BODY in bytes. It also caps one object
// received over DICOM. Zero means the value could not be parsed.
func (c *Config) MaxObjectSize() uint64 {
	n, err := humanize.ParseBytes(c.UploadMaxBody)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks that the configuration is usable before anything is
// started.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is %q", DriverPostgres)
		}
		if c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DB_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.DBDriver)
	}

	if c.StorageRoot == "" {
		return fmt.Errorf("STORAGE_ROOT is required")
	}
	if c.BlobNaming != BlobNamingUUID && c.BlobNaming != BlobNamingSOP {
		return fmt.Errorf("BLOB_NAMING must be %q or %q, got %q", BlobNamingUUID, BlobNamingSOP, c.BlobNaming)
	}
	switch strings.ToLower(strings.TrimSpace(c.DuplicatePolicy)) {
	case "", "overwrite", "reject":
	default:
		return fmt.Errorf("DUPLICATE_POLICY must be \"overwrite\" or \"reject\", got %q", c.DuplicatePolicy)
	}

	if c.RequestTimeout <= 0 || c.UploadTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT and UPLOAD_TIMEOUT must be positive")
	}
	for key, val := range map[string]string{"BODY_LIMIT": c.BodyLimit, "UPLOAD_MAX_BODY": c.UploadMaxBody} {
		if _, err := humanize.ParseBytes(val); err != nil {
			return fmt.Errorf("%s is not a valid size: %w", key, err)
		}
	}

	if c.DICOMEnabled {
		if t := strings.TrimSpace(c.DICOMAETitle); t == "" || len(t) > 16 {
			return fmt.Errorf("DICOM_AE_TITLE must be 1-16 characters, got %q", c.DICOMAETitle)
		}
		if c.DICOMPort == "" {
			return fmt.Errorf("DICOM_PORT is required when DICOM_ENABLED is true")
		}
		if c.DICOMReadTimeout <= 0 {
			return fmt.Errorf("DICOM_READ_TIMEOUT must be positive")
		}
		if c.DICOMMaxPDU < 4096 {
			return fmt.Errorf("DICOM_MAX_PDU must be at least 4096, got %d", c.DICOMMaxPDU)
		}
	}

	return nil
}

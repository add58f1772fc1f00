package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/dlc/internal/httputil"
	"github.com/breeze-rmm/dlc/pkg/dlc"
	"github.com/breeze-rmm/dlc/pkg/downloader"
)

type Config struct {
	SuperpackURL string `mapstructure:"superpack_url"`
	LocalDir     string `mapstructure:"local_dir"`

	RetryConnectMilliseconds int    `mapstructure:"retry_connect_ms"`
	MaxFilesToDownload       int    `mapstructure:"max_files_to_download"`
	DownloaderMaxHandles     int    `mapstructure:"downloader_max_handles"`
	MountPrefix              string `mapstructure:"mount_prefix"`
	TickMilliseconds         int    `mapstructure:"tick_ms"`

	HTTPTimeoutSeconds int  `mapstructure:"http_timeout_seconds"`
	HTTPRetries        int  `mapstructure:"http_retries"`
	DisableHTTP2       bool `mapstructure:"disable_http2"`

	S3    S3Config    `mapstructure:"s3"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	Azure AzureConfig `mapstructure:"azure"`
	B2    B2Config    `mapstructure:"b2"`

	LogFile   string `mapstructure:"log_file"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	Anonymous       bool   `mapstructure:"anonymous"`
}

type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
	Anonymous       bool   `mapstructure:"anonymous"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	SASToken         string `mapstructure:"sas_token"`
	ServiceURL       string `mapstructure:"service_url"`
}

type B2Config struct {
	AccountID      string `mapstructure:"account_id"`
	ApplicationKey string `mapstructure:"application_key"`
}

func Default() *Config {
	return &Config{
		LocalDir:                 filepath.Join(dataDir(), "dlc"),
		RetryConnectMilliseconds: dlc.DefaultRetryConnectMilliseconds,
		MaxFilesToDownload:       dlc.DefaultMaxFilesToDownload,
		DownloaderMaxHandles:     dlc.DefaultDownloaderMaxHandles,
		MountPrefix:              dlc.DefaultMountPrefix,
		TickMilliseconds:         16,
		HTTPTimeoutSeconds:       30,
		HTTPRetries:              2,
		LogLevel:                 "info",
		LogFormat:                "text",
	}
}

// Load reads cfgFile, or dlc.yaml from the usual places, and overlays DLC_*
// environment variables. A missing default file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("dlc")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DLC")
	v.AutomaticEnv()
	// AutomaticEnv only sees keys viper already knows about.
	for _, key := range []string{
		"superpack_url", "local_dir", "log_file", "log_level", "log_format",
		"retry_connect_ms", "downloader_max_handles", "mount_prefix",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Hints projects the session tuning knobs.
func (c *Config) Hints() dlc.Hints {
	return dlc.Hints{
		LogFilePath:              c.LogFile,
		RetryConnectMilliseconds: c.RetryConnectMilliseconds,
		MaxFilesToDownload:       c.MaxFilesToDownload,
		DownloaderMaxHandles:     c.DownloaderMaxHandles,
		MountPrefix:              c.MountPrefix,
	}
}

// Credentials projects the source settings for every supported scheme.
func (c *Config) Credentials() downloader.Credentials {
	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = c.HTTPRetries
	return downloader.Credentials{
		HTTP: downloader.HTTPOptions{
			Timeout:      time.Duration(c.HTTPTimeoutSeconds) * time.Second,
			DisableHTTP2: c.DisableHTTP2,
			Retry:        &retry,
		},
		S3: downloader.S3Options{
			Region:          c.S3.Region,
			Endpoint:        c.S3.Endpoint,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: c.S3.SecretAccessKey,
			SessionToken:    c.S3.SessionToken,
			UsePathStyle:    c.S3.UsePathStyle,
			Anonymous:       c.S3.Anonymous,
		},
		GCS: downloader.GCSOptions{
			CredentialsFile: c.GCS.CredentialsFile,
			Endpoint:        c.GCS.Endpoint,
			Anonymous:       c.GCS.Anonymous,
		},
		Azure: downloader.AzureOptions{
			ConnectionString: c.Azure.ConnectionString,
			SASToken:         c.Azure.SASToken,
			ServiceURL:       c.Azure.ServiceURL,
		},
		B2: downloader.B2Options{
			AccountID:      c.B2.AccountID,
			ApplicationKey: c.B2.ApplicationKey,
		},
	}
}

// Tick is the interval the fetch loop drives Manager.Update with.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.TickMilliseconds) * time.Millisecond
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

func dataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

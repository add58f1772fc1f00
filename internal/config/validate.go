package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var supportedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"s3":     true,
	"gs":     true,
	"azblob": true,
	"b2":     true,
}

// ValidationResult separates problems that must stop startup from ones that
// were corrected or can be ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	out := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	out = append(out, r.Fatals...)
	return append(out, r.Warnings...)
}

// Validate checks the config and returns every problem found. Out-of-range
// numbers are clamped in place.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	for _, err := range result.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return result.AllErrors()
}

// ValidateTiered checks the config. Missing or unusable locations are fatal;
// clamped numbers and unknown log settings are warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.SuperpackURL != "" {
		u, err := url.Parse(c.SuperpackURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("superpack_url %q is not a valid URL: %w", c.SuperpackURL, err))
		} else if !supportedSchemes[strings.ToLower(u.Scheme)] {
			r.Fatals = append(r.Fatals, fmt.Errorf("superpack_url scheme %q is not supported (use http, https, s3, gs, azblob or b2)", u.Scheme))
		} else if u.Host == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("superpack_url %q has no host or bucket", c.SuperpackURL))
		}
	}

	if strings.TrimSpace(c.LocalDir) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("local_dir must not be empty"))
	}

	for name, secret := range map[string]string{
		"s3.secret_access_key":    c.S3.SecretAccessKey,
		"azure.sas_token":         c.Azure.SASToken,
		"azure.connection_string": c.Azure.ConnectionString,
		"b2.application_key":      c.B2.ApplicationKey,
	} {
		if hasControl(secret) {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s contains control characters", name))
		}
	}

	clamp := func(name string, v *int, lo, hi int) {
		switch {
		case *v < lo:
			r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
			*v = lo
		case *v > hi:
			r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
			*v = hi
		}
	}
	clamp("retry_connect_ms", &c.RetryConnectMilliseconds, 100, 600000)
	clamp("max_files_to_download", &c.MaxFilesToDownload, 1, 10000000)
	clamp("downloader_max_handles", &c.DownloaderMaxHandles, 1, 64)
	clamp("tick_ms", &c.TickMilliseconds, 1, 1000)
	clamp("http_timeout_seconds", &c.HTTPTimeoutSeconds, 0, 3600)
	clamp("http_retries", &c.HTTPRetries, 0, 10)

	if c.MountPrefix == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("mount_prefix is empty, packs will mount at the root"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}

func hasControl(s string) bool {
	for _, ch := range s {
		if unicode.IsControl(ch) {
			return true
		}
	}
	return false
}

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalid marks configuration and argument errors. main() maps it to the
// usage exit code.
var ErrInvalid = errors.New("invalid configuration")

// Overrides carries the CLI flags that take precedence over file values.
// Negative means not specified; zero is a meaningful value for both knobs.
type Overrides struct {
	Retries int
	Wait    int
}

// Load reads and parses the TOML config at path, applies CLI overrides, and
// validates the result.
func Load(path string, over Overrides) (*Config, error) {
	var cfg Config

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w: %w", path, err, ErrInvalid)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("unknown config keys: %s: %w", strings.Join(keys, ", "), ErrInvalid)
	}

	if over.Retries >= 0 {
		cfg.Limits.HTTPRetries = over.Retries
	}

	if over.Wait >= 0 {
		cfg.Limits.HTTPWait = over.Wait
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w: %w", err, ErrInvalid)
	}

	return &cfg, nil
}

// Validate checks every configuration value and returns all errors found,
// not just the first, so one pass over the report fixes everything.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateDirs(&cfg.Dirs)...)
	errs = append(errs, validateURLs(&cfg.URLs)...)
	errs = append(errs, validateLimits(&cfg.Limits)...)
	errs = append(errs, validateMisc(&cfg.Misc)...)

	return errors.Join(errs...)
}

func validateDirs(d *Dirs) []error {
	var errs []error

	for _, dir := range []struct {
		key, path string
	}{
		{"mediadir", d.MediaDir},
		{"archivedir", d.ArchiveDir},
		{"listsdir", d.ListsDir},
	} {
		if dir.path == "" {
			errs = append(errs, fmt.Errorf("%s: must be set", dir.key))
			continue
		}

		info, err := os.Stat(dir.path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: no such path %s", dir.key, dir.path))
			continue
		}

		if !info.IsDir() {
			errs = append(errs, fmt.Errorf("%s: %s is not a directory", dir.key, dir.path))
		}
	}

	return errs
}

func validateURLs(u *URLs) []error {
	var errs []error

	for _, entry := range []struct {
		key, value string
	}{
		{"api_url", u.APIURL},
		{"media_filelists_url", u.MediaFileListsURL},
		{"uploaded_media_url", u.UploadedMediaURL},
		{"foreignrepo_media_url", u.ForeignRepoMediaURL},
	} {
		parsed, err := url.Parse(entry.value)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%s: invalid url %q", entry.key, entry.value))
		}
	}

	return errs
}

func validateLimits(l *Limits) []error {
	var errs []error

	for _, entry := range []struct {
		key   string
		value int
	}{
		{"http_wait", l.HTTPWait},
		{"http_retries", l.HTTPRetries},
		{"max_uploaded_gets", l.MaxUploadedGets},
		{"max_foreignrepo_gets", l.MaxForeignRepoGets},
	} {
		if entry.value < 0 {
			errs = append(errs, fmt.Errorf("%s: must be non-negative, got %d", entry.key, entry.value))
		}
	}

	return errs
}

func validateMisc(m *Misc) []error {
	var errs []error

	for _, entry := range []struct {
		key, value string
	}{
		{"foreignrepo", m.ForeignRepo},
		{"agent", m.Agent},
		{"api_path", m.APIPath},
	} {
		if entry.value == "" {
			errs = append(errs, fmt.Errorf("%s: cannot be empty", entry.key))
		}
	}

	return errs
}

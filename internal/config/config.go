// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kkyr/fig"
)

const (
	configEnv = "LOCATIONUPDATES"
	appDir    = "location-updates"

	BackendFile  = "file"
	BackendRedis = "redis"
)

// Config represents the application's configuration structure.
type Config struct {
	Locale   string     `fig:"locale"`
	LogLevel slog.Level `fig:"loglevel" default:"0"`

	// DisableResume keeps the subscription off after a restart even if it was requested before.
	DisableResume bool `fig:"disable_resume"`

	Intervals struct {
		Update time.Duration `fig:"update" default:"10s"`
		// Defaults to half of the update interval
		FastestUpdate time.Duration `fig:"fastest_update"`
	} `fig:"intervals"`

	Preferences struct {
		// Allowed values: file, redis
		Backend   string `fig:"backend" default:"file"`
		File      string `fig:"file"`
		RedisURL  string `fig:"redis_url"`
		RedisHash string `fig:"redis_hash"`
	} `fig:"preferences"`

	GeoLocation struct {
		File                   string `fig:"file"`
		GPSDHost               string `fig:"gpsd_host" default:"localhost"`
		GPSDPort               string `fig:"gpsd_port" default:"2947"`
		ICHNAEAEndpoint        string `fig:"ichnaea_endpoint"`
		DisableGeoIP           bool   `fig:"disable_geoip"`
		DisableGeolocationFile bool   `fig:"disable_geolocation_file"`
		DisableICHNAEA         bool   `fig:"disable_ichnaea"`
		DisableGPSD            bool   `fig:"disable_gpsd"`
	} `fig:"geolocation"`

	Permission struct {
		RequireGeoClue bool `fig:"require_geoclue"`
	} `fig:"permission"`

	Notification struct {
		Disable     bool   `fig:"disable"`
		OpenCommand string `fig:"open_command"`
	} `fig:"notification"`

	Control struct {
		Socket string `fig:"socket"`
	} `fig:"control"`

	Broadcast struct {
		NATSURL     string `fig:"nats_url"`
		NATSSubject string `fig:"nats_subject"`
	} `fig:"broadcast"`
}

func NewFromFile(path, file string) (*Config, error) {
	conf := new(Config)
	_, err := os.Stat(filepath.Join(path, file))
	if err != nil {
		return conf, fmt.Errorf("failed to read Config: %w", err)
	}
	if err = fig.Load(conf, fig.Dirs(path), fig.File(file), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func New() (*Config, error) {
	conf := new(Config)
	if err := fig.Load(conf, fig.AllowNoFile(), fig.UseEnv(configEnv)); err != nil {
		return conf, fmt.Errorf("failed to load Config: %w", err)
	}

	return conf, conf.Validate()
}

func (c *Config) Validate() error {
	if c.Locale == "" {
		c.Locale = getLocale()
	}
	if c.Intervals.Update <= 0 {
		return fmt.Errorf("invalid update interval: %s", c.Intervals.Update)
	}
	if c.Intervals.FastestUpdate == 0 {
		c.Intervals.FastestUpdate = c.Intervals.Update / 2
	}
	if c.Intervals.FastestUpdate < 0 || c.Intervals.FastestUpdate > c.Intervals.Update {
		return fmt.Errorf("invalid fastest update interval: %s", c.Intervals.FastestUpdate)
	}

	c.Preferences.Backend = strings.ToLower(strings.TrimSpace(c.Preferences.Backend))
	switch c.Preferences.Backend {
	case BackendFile:
		if c.Preferences.File == "" {
			c.Preferences.File = filepath.Join(stateDir(), appDir, "preferences.toml")
		}
	case BackendRedis:
		if c.Preferences.RedisURL == "" {
			return fmt.Errorf("redis preference backend requires a redis URL")
		}
	default:
		return fmt.Errorf("invalid preference backend: %s", c.Preferences.Backend)
	}

	if c.GeoLocation.File == "" {
		home, _ := os.UserHomeDir()
		c.GeoLocation.File = filepath.Join(home, ".config", appDir, "geolocation")
	}
	if c.Control.Socket == "" {
		c.Control.Socket = DefaultSocket()
	}

	return nil
}

// DefaultSocket returns the control socket path in the user's runtime directory.
func DefaultSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appDir+".sock")
	}
	return filepath.Join(os.TempDir(), appDir+"-"+strconv.Itoa(os.Getuid())+".sock")
}

func stateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state")
}

func getLocale() string {
	locale := os.Getenv("LC_MESSAGES")
	if idx := strings.Index(locale, "."); idx != -1 {
		lang := locale[:idx]
		return strings.ReplaceAll(lang, "_", "-")
	}
	return locale
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Remote drivers.
const (
	DriverNATS   = "nats"
	DriverMemory = "memory"
)

// Duration is a time.Duration written as a string ("2s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Remote struct {
	Driver         string `toml:"driver"`
	URL            string `toml:"url"`
	MessagesBucket string `toml:"messages_bucket"`
	ChatsBucket    string `toml:"chats_bucket"`
	MediaBucket    string `toml:"media_bucket"`
}

type Outbox struct {
	Attempts int      `toml:"attempts"`
	Delay    Duration `toml:"delay"`
}

type Inbound struct {
	GraceWindow Duration `toml:"grace_window"`
}

type History struct {
	ShortDelay Duration `toml:"short_delay"`
	LongDelay  Duration `toml:"long_delay"`
	PageSize   int      `toml:"page_size"`
}

type Enrich struct {
	Workers       int    `toml:"workers"`
	QueueSize     int    `toml:"queue_size"`
	Notify        string `toml:"notify"`
	TranslateURL  string `toml:"translate_url"`
	TargetLang    string `toml:"target_lang"`
	ThumbnailSize uint   `toml:"thumbnail_size"`
}

type Log struct {
	Level string `toml:"level"`
}

// Settings is everything a profile can configure.
type Settings struct {
	ViewerID string  `toml:"viewer_id"`
	Remote   Remote  `toml:"remote"`
	Outbox   Outbox  `toml:"outbox"`
	Inbound  Inbound `toml:"inbound"`
	History  History `toml:"history"`
	Enrich   Enrich  `toml:"enrich"`
	Log      Log     `toml:"log"`
}

// Config represents the global ~/.chatsync/config.toml. Top-level settings
// apply to every profile; a [profiles.<name>] table overrides them for one
// profile.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Settings

	Profiles map[string]toml.Primitive `toml:"profiles"`
	md       toml.MetaData
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Settings: Settings{
			Remote: Remote{
				Driver:         DriverNATS,
				URL:            "nats://127.0.0.1:4222",
				MessagesBucket: "chatsync_messages",
				ChatsBucket:    "chatsync_chats",
				MediaBucket:    "chatsync_media",
			},
			Outbox:  Outbox{Attempts: 3, Delay: Duration{2 * time.Second}},
			Inbound: Inbound{GraceWindow: Duration{3 * time.Second}},
			History: History{
				ShortDelay: Duration{300 * time.Millisecond},
				LongDelay:  Duration{1500 * time.Millisecond},
				PageSize:   50,
			},
			Enrich: Enrich{Workers: 2, QueueSize: 256, Notify: "log", ThumbnailSize: 320},
			Log:    Log{Level: "info"},
		},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.md = md
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		var unknown []string
		for _, k := range undecoded {
			if len(k) > 0 && k[0] == "profiles" {
				continue
			}
			unknown = append(unknown, k.String())
		}
		if len(unknown) > 0 {
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(unknown, ", "))
		}
	}
	return cfg, nil
}

// LoadOrDefault is Load that falls back to the defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Profile returns the settings of a profile: the top-level settings with the
// profile's table applied on top.
func (c *Config) Profile(name string) (Settings, error) {
	s := c.Settings
	prim, ok := c.Profiles[name]
	if !ok {
		return s, nil
	}
	if err := c.md.PrimitiveDecode(prim, &s); err != nil {
		return Settings{}, fmt.Errorf("profile %s: %w", name, err)
	}
	return s, nil
}

// Validate checks one profile's resolved settings.
func (s Settings) Validate() error {
	var err error
	if s.ViewerID == "" || strings.ContainsAny(s.ViewerID, ".*> \t\r\n") {
		err = multierr.Append(err, fmt.Errorf("viewer_id %q must be a non-empty id without dots, wildcards or spaces", s.ViewerID))
	}
	switch s.Remote.Driver {
	case DriverMemory:
	case DriverNATS:
		if s.Remote.URL == "" {
			err = multierr.Append(err, errors.New("remote.url is required for the nats driver"))
		}
		if s.Remote.MessagesBucket == "" || s.Remote.ChatsBucket == "" || s.Remote.MediaBucket == "" {
			err = multierr.Append(err, errors.New("remote buckets must be named"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("remote.driver %q: want %s or %s", s.Remote.Driver, DriverNATS, DriverMemory))
	}
	if s.Outbox.Attempts < 1 {
		err = multierr.Append(err, errors.New("outbox.attempts must be at least 1"))
	}
	if s.Outbox.Delay.Duration < 0 || s.Inbound.GraceWindow.Duration < 0 ||
		s.History.ShortDelay.Duration < 0 || s.History.LongDelay.Duration < 0 {
		err = multierr.Append(err, errors.New("durations must not be negative"))
	}
	if s.History.PageSize < 1 {
		err = multierr.Append(err, errors.New("history.page_size must be positive"))
	}
	if s.Enrich.Workers < 1 || s.Enrich.QueueSize < 1 {
		err = multierr.Append(err, errors.New("enrich.workers and enrich.queue_size must be positive"))
	}
	switch s.Enrich.Notify {
	case "desktop", "log", "off":
	default:
		err = multierr.Append(err, fmt.Errorf("enrich.notify %q: want desktop, log or off", s.Enrich.Notify))
	}
	if s.Enrich.TranslateURL != "" && s.Enrich.TargetLang == "" {
		err = multierr.Append(err, errors.New("enrich.target_lang is required with translate_url"))
	}
	if _, lerr := zapcore.ParseLevel(s.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log.level: %w", lerr))
	}
	return err
}

// file is the encoded shape of Config; profile tables are re-encoded as
// plain maps.
type file struct {
	DefaultProfile string `toml:"default_profile"`
	Settings
	Profiles map[string]map[string]any `toml:"profiles,omitempty"`
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	out := file{DefaultProfile: cfg.DefaultProfile, Settings: cfg.Settings}
	for name, prim := range cfg.Profiles {
		var m map[string]any
		if err := cfg.md.PrimitiveDecode(prim, &m); err != nil {
			return fmt.Errorf("profile %s: %w", name, err)
		}
		if out.Profiles == nil {
			out.Profiles = make(map[string]map[string]any)
		}
		out.Profiles[name] = m
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(out)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

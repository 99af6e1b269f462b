// Package config loads the relaymesh configuration from a JSON file with
// embedded defaults. Every timing knob the services use lives here so tests
// and deployments can override behavior without code changes.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Duration is a time.Duration that unmarshals from either a JSON number of
// seconds or a Go duration string ("50ms", "1h").
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) == 0 {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", s, err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds relay lists, store TTLs, and timing knobs.
type Config struct {
	// Relay lists
	DefaultRelays []string `json:"defaultRelays"`
	SearchRelays  []string `json:"searchRelays"`
	PublishRelays []string `json:"publishRelays"`
	ProfileRelays []string `json:"profileRelays"`

	// Persistent store
	StorePath string `json:"storePath"`
	RedisURL  string `json:"redisURL"`

	// Per-store TTLs, evaluated at read time
	ProfileTTL   Duration `json:"profileTTL"`
	EventTTL     Duration `json:"eventTTL"`
	RelayListTTL Duration `json:"relayListTTL"`
	RelayInfoTTL Duration `json:"relayInfoTTL"`
	NotFoundTTL  Duration `json:"notFoundTTL"`

	// Background sweep
	SweepDelay    Duration `json:"sweepDelay"`
	SweepInterval Duration `json:"sweepInterval"`

	// Batched loader
	BatchWindow Duration `json:"batchWindow"`
	MaxBatch    int      `json:"maxBatch"`

	// Relay transport
	QueryTimeout   Duration `json:"queryTimeout"`
	DialTimeout    Duration `json:"dialTimeout"`
	PublishTimeout Duration `json:"publishTimeout"`
	FailureBackoff Duration `json:"failureBackoff"`

	// Relay directory
	InfoTimeout      Duration `json:"infoTimeout"`
	InfoBackoff      Duration `json:"infoBackoff"`
	InfoConcurrency  int      `json:"infoConcurrency"`
	MaxRelaysPerList int      `json:"maxRelaysPerList"`

	// Live subscriptions
	CompletionTimeout Duration `json:"completionTimeout"`
	ReconnectDelay    Duration `json:"reconnectDelay"`
	MaxLiveRelays     int      `json:"maxLiveRelays"`
}

// Default returns the embedded default configuration.
func Default() *Config {
	return &Config{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
			"wss://nostr.mom",
		},
		SearchRelays: []string{
			"wss://relay.nostr.band",
		},
		PublishRelays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
		},
		ProfileRelays: []string{
			"wss://relay.nostr.band",
			"wss://purplepag.es",
		},

		StorePath: "data/relaymesh",

		ProfileTTL:   Duration(7 * 24 * time.Hour),
		EventTTL:     Duration(7 * 24 * time.Hour),
		RelayListTTL: Duration(24 * time.Hour),
		RelayInfoTTL: Duration(7 * 24 * time.Hour),
		NotFoundTTL:  Duration(10 * time.Minute),

		SweepDelay:    Duration(time.Minute),
		SweepInterval: Duration(5 * time.Minute),

		BatchWindow: Duration(50 * time.Millisecond),
		MaxBatch:    100,

		QueryTimeout:   Duration(6 * time.Second),
		DialTimeout:    Duration(5 * time.Second),
		PublishTimeout: Duration(8 * time.Second),
		FailureBackoff: Duration(30 * time.Second),

		InfoTimeout:      Duration(10 * time.Second),
		InfoBackoff:      Duration(5 * time.Minute),
		InfoConcurrency:  5,
		MaxRelaysPerList: 8,

		CompletionTimeout: Duration(3 * time.Second),
		ReconnectDelay:    Duration(5 * time.Second),
		MaxLiveRelays:     5,
	}
}

var (
	current   *Config
	currentMu sync.RWMutex
	loadOnce  sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	loadOnce.Do(func() {
		currentMu.Lock()
		defer currentMu.Unlock()
		if current == nil {
			current = loadFromFile()
		}
	})

	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}

// Reload re-reads the configuration file and swaps the current config.
func Reload() error {
	fresh := loadFromFile()
	currentMu.Lock()
	defer currentMu.Unlock()
	current = fresh
	slog.Info("configuration reloaded")
	return nil
}

func loadFromFile() *Config {
	path := os.Getenv("RELAYMESH_CONFIG")
	if path == "" {
		path = "config/relaymesh.json"
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read config, using defaults", "path", path, "error", err)
		}
		applyEnv(cfg)
		return cfg
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", path, "error", err)
		cfg = Default()
		applyEnv(cfg)
		return cfg
	}
	fillDefaults(cfg)
	applyEnv(cfg)

	slog.Info("loaded configuration",
		"path", path,
		"default_relays", len(cfg.DefaultRelays),
		"search_relays", len(cfg.SearchRelays),
		"publish_relays", len(cfg.PublishRelays),
		"profile_relays", len(cfg.ProfileRelays))
	return cfg
}

// fillDefaults replaces zero values left by a partial config file.
func fillDefaults(cfg *Config) {
	def := Default()
	if len(cfg.DefaultRelays) == 0 {
		cfg.DefaultRelays = def.DefaultRelays
	}
	if len(cfg.SearchRelays) == 0 {
		cfg.SearchRelays = def.SearchRelays
	}
	if len(cfg.PublishRelays) == 0 {
		cfg.PublishRelays = def.PublishRelays
	}
	if len(cfg.ProfileRelays) == 0 {
		cfg.ProfileRelays = def.ProfileRelays
	}
	if cfg.StorePath == "" {
		cfg.StorePath = def.StorePath
	}
	if cfg.ProfileTTL == 0 {
		cfg.ProfileTTL = def.ProfileTTL
	}
	if cfg.EventTTL == 0 {
		cfg.EventTTL = def.EventTTL
	}
	if cfg.RelayListTTL == 0 {
		cfg.RelayListTTL = def.RelayListTTL
	}
	if cfg.RelayInfoTTL == 0 {
		cfg.RelayInfoTTL = def.RelayInfoTTL
	}
	if cfg.NotFoundTTL == 0 {
		cfg.NotFoundTTL = def.NotFoundTTL
	}
	if cfg.SweepDelay == 0 {
		cfg.SweepDelay = def.SweepDelay
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.BatchWindow == 0 {
		cfg.BatchWindow = def.BatchWindow
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.InfoTimeout == 0 {
		cfg.InfoTimeout = def.InfoTimeout
	}
	if cfg.InfoBackoff == 0 {
		cfg.InfoBackoff = def.InfoBackoff
	}
	if cfg.InfoConcurrency == 0 {
		cfg.InfoConcurrency = def.InfoConcurrency
	}
	if cfg.MaxRelaysPerList == 0 {
		cfg.MaxRelaysPerList = def.MaxRelaysPerList
	}
	if cfg.CompletionTimeout == 0 {
		cfg.CompletionTimeout = def.CompletionTimeout
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxLiveRelays == 0 {
		cfg.MaxLiveRelays = def.MaxLiveRelays
	}
}

// applyEnv applies environment overrides that deployments commonly set
// without editing the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("RELAYMESH_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
}

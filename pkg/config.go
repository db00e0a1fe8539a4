package fileaudit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-ini/ini"
)

// Config represents the faudit configuration
type Config struct {
	configPath string
	ini        *ini.File
}

// HashConfig represents partial hashing configuration
type HashConfig struct {
	ChunkSize int // Bytes per sampled chunk (default: 4K)
	MaxChunks int // Number of sampled chunks, 0 disables hashing (default: 0)
}

// ChannelSectionConfig represents the [write] or [read] section
type ChannelSectionConfig struct {
	Enable        bool
	Include       []string
	Exclude       []string
	MaxEvents     int
	ExcludeHidden bool
}

// ScriptSectionConfig represents the [script] section
type ScriptSectionConfig struct {
	Enable        bool
	Include       []string
	Exclude       []string
	Extensions    []string
	MaxCount      int
	MaxSize       string // human size (default: "512K")
	ExcludeHidden bool
}

// SessionConfig represents the [session] section
type SessionConfig struct {
	QueueCapacity int
	CacheValidity time.Duration
	BufferSize    string // human size (default: "64K")
	ReadWriteDual bool
}

// VerboseConfig represents verbosity configuration
type VerboseConfig struct {
	Level int    // Default verbose level (0=quiet, 1=basic, 2=detailed, 3=trace)
	Debug string // Default debug flags (comma-separated)
}

// AllConfig represents all configuration options
type AllConfig struct {
	Hash    *HashConfig
	Write   *ChannelSectionConfig
	Read    *ChannelSectionConfig
	Script  *ScriptSectionConfig
	Session *SessionConfig
	Verbose *VerboseConfig
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/faudit/config, falling back to ~/.config
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "faudit", "config")
}

// LoadConfig loads configuration from configPath. A missing file yields the defaults without
// creating it.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		configPath: configPath,
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		cfg.ini = ini.Empty()
		if err := cfg.setDefaults(); err != nil {
			return nil, fmt.Errorf("failed to set default config: %w", err)
		}
		return cfg, nil
	}

	iniFile, err := ini.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	cfg.ini = iniFile
	return cfg, nil
}

// InitConfig writes a default configuration to configPath unless a file already exists
func InitConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		return nil, fmt.Errorf("config file %s already exists", configPath)
	}
	cfg := &Config{
		configPath: configPath,
		ini:        ini.Empty(),
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("failed to set default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return cfg, nil
}

// defaultKeys lists every section and key with its default value
var defaultKeys = []struct {
	section, key, value string
}{
	{"hash", "chunk_size", "4K"},
	{"hash", "max_chunks", "0"},
	{"write", "enable", "true"},
	{"write", "include", ""},
	{"write", "exclude", ""},
	{"write", "max_events", strconv.Itoa(DefaultMaxEvents)},
	{"write", "exclude_hidden", "false"},
	{"read", "enable", "false"},
	{"read", "include", ""},
	{"read", "exclude", ""},
	{"read", "max_events", strconv.Itoa(DefaultMaxEvents)},
	{"read", "exclude_hidden", "true"},
	{"script", "enable", "false"},
	{"script", "include", ""},
	{"script", "exclude", ""},
	{"script", "extensions", "sh"},
	{"script", "max_count", strconv.Itoa(DefaultMaxStoreCount)},
	{"script", "max_size", "512K"},
	{"script", "exclude_hidden", "true"},
	{"session", "queue_capacity", strconv.Itoa(DefaultQueueCapacity)},
	{"session", "cache_validity", DefaultCacheValidity.String()},
	{"session", "buffer_size", "64K"},
	{"session", "read_write_dual", "false"},
	{"verbose", "level", "0"},
	{"verbose", "debug", ""},
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() error {
	for _, d := range defaultKeys {
		section, err := c.ini.NewSection(d.section)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", d.section, err)
		}
		if _, err := section.NewKey(d.key, d.value); err != nil {
			return fmt.Errorf("failed to set default %s.%s: %w", d.section, d.key, err)
		}
	}
	return nil
}

// splitList parses a comma-separated key value, dropping empty items
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseSize parses a human size such as "4K" or "512KiB". Single letter suffixes are binary.
func parseSize(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if n := len(value); n > 0 && strings.ContainsAny(value[n-1:], "KMGkmg") {
		value += "iB"
	}
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

// GetHashConfig returns the hash configuration
func (c *Config) GetHashConfig() *HashConfig {
	hashConfig := &HashConfig{
		ChunkSize: DefaultHashChunkSize, // fallback default
		MaxChunks: 0,                    // fallback default
	}

	if c.ini.HasSection("hash") {
		section := c.ini.Section("hash")
		if section.HasKey("chunk_size") {
			if size, err := parseSize(section.Key("chunk_size").String()); err == nil {
				hashConfig.ChunkSize = int(size)
			}
		}
		if section.HasKey("max_chunks") {
			if chunks, err := section.Key("max_chunks").Int(); err == nil {
				hashConfig.MaxChunks = chunks
			}
		}
	}

	return hashConfig
}

// getChannelConfig reads a [write] or [read] style section
func (c *Config) getChannelConfig(name string, enable, excludeHidden bool) *ChannelSectionConfig {
	channelConfig := &ChannelSectionConfig{
		Enable:        enable,
		MaxEvents:     DefaultMaxEvents,
		ExcludeHidden: excludeHidden,
	}

	if c.ini.HasSection(name) {
		section := c.ini.Section(name)
		if section.HasKey("enable") {
			if v, err := section.Key("enable").Bool(); err == nil {
				channelConfig.Enable = v
			}
		}
		channelConfig.Include = splitList(section.Key("include").String())
		channelConfig.Exclude = splitList(section.Key("exclude").String())
		if section.HasKey("max_events") {
			if v, err := section.Key("max_events").Int(); err == nil {
				channelConfig.MaxEvents = v
			}
		}
		if section.HasKey("exclude_hidden") {
			if v, err := section.Key("exclude_hidden").Bool(); err == nil {
				channelConfig.ExcludeHidden = v
			}
		}
	}

	return channelConfig
}

// GetWriteConfig returns the write channel configuration
func (c *Config) GetWriteConfig() *ChannelSectionConfig {
	return c.getChannelConfig("write", true, false)
}

// GetReadConfig returns the read channel configuration
func (c *Config) GetReadConfig() *ChannelSectionConfig {
	return c.getChannelConfig("read", false, true)
}

// GetScriptConfig returns the script capture configuration
func (c *Config) GetScriptConfig() *ScriptSectionConfig {
	scriptConfig := &ScriptSectionConfig{
		Extensions:    []string{"sh"},
		MaxCount:      DefaultMaxStoreCount,
		MaxSize:       "512K",
		ExcludeHidden: true,
	}

	if c.ini.HasSection("script") {
		section := c.ini.Section("script")
		if section.HasKey("enable") {
			if v, err := section.Key("enable").Bool(); err == nil {
				scriptConfig.Enable = v
			}
		}
		scriptConfig.Include = splitList(section.Key("include").String())
		scriptConfig.Exclude = splitList(section.Key("exclude").String())
		if section.HasKey("extensions") {
			scriptConfig.Extensions = splitList(section.Key("extensions").String())
		}
		if section.HasKey("max_count") {
			if v, err := section.Key("max_count").Int(); err == nil {
				scriptConfig.MaxCount = v
			}
		}
		if section.HasKey("max_size") {
			if v := section.Key("max_size").String(); v != "" {
				scriptConfig.MaxSize = v
			}
		}
		if section.HasKey("exclude_hidden") {
			if v, err := section.Key("exclude_hidden").Bool(); err == nil {
				scriptConfig.ExcludeHidden = v
			}
		}
	}

	return scriptConfig
}

// GetSessionConfig returns the session tuning configuration
func (c *Config) GetSessionConfig() *SessionConfig {
	sessionConfig := &SessionConfig{
		QueueCapacity: DefaultQueueCapacity, // fallback default
		CacheValidity: DefaultCacheValidity, // fallback default
		BufferSize:    "64K",                // fallback default
	}

	if c.ini.HasSection("session") {
		section := c.ini.Section("session")
		if section.HasKey("queue_capacity") {
			if v, err := section.Key("queue_capacity").Int(); err == nil {
				sessionConfig.QueueCapacity = v
			}
		}
		if section.HasKey("cache_validity") {
			if v, err := section.Key("cache_validity").Duration(); err == nil {
				sessionConfig.CacheValidity = v
			}
		}
		if section.HasKey("buffer_size") {
			if v := section.Key("buffer_size").String(); v != "" {
				sessionConfig.BufferSize = v
			}
		}
		if section.HasKey("read_write_dual") {
			if v, err := section.Key("read_write_dual").Bool(); err == nil {
				sessionConfig.ReadWriteDual = v
			}
		}
	}

	return sessionConfig
}

// GetVerboseConfig returns the verbose configuration
func (c *Config) GetVerboseConfig() *VerboseConfig {
	verboseConfig := &VerboseConfig{
		Level: 0,  // fallback default
		Debug: "", // fallback default
	}

	if c.ini.HasSection("verbose") {
		section := c.ini.Section("verbose")
		if section.HasKey("level") {
			if level, err := section.Key("level").Int(); err == nil {
				verboseConfig.Level = level
			}
		}
		if section.HasKey("debug") {
			verboseConfig.Debug = section.Key("debug").String()
		}
	}

	return verboseConfig
}

// GetAllConfig returns all configuration options
func (c *Config) GetAllConfig() *AllConfig {
	return &AllConfig{
		Hash:    c.GetHashConfig(),
		Write:   c.GetWriteConfig(),
		Read:    c.GetReadConfig(),
		Script:  c.GetScriptConfig(),
		Session: c.GetSessionConfig(),
		Verbose: c.GetVerboseConfig(),
	}
}

// Validate checks every configured value against its bounds
func (c *Config) Validate() error {
	all := c.GetAllConfig()

	if err := ValidateHashConfig(all.Hash.ChunkSize, all.Hash.MaxChunks); err != nil {
		return err
	}
	for name, ch := range map[string]*ChannelSectionConfig{"write": all.Write, "read": all.Read} {
		if err := ValidateMaxEvents(ch.MaxEvents); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := ValidatePaths(ch.Include); err != nil {
			return fmt.Errorf("%s include: %w", name, err)
		}
		if err := ValidatePaths(ch.Exclude); err != nil {
			return fmt.Errorf("%s exclude: %w", name, err)
		}
	}
	if err := ValidateMaxEvents(all.Script.MaxCount); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	if err := ValidatePaths(all.Script.Include); err != nil {
		return fmt.Errorf("script include: %w", err)
	}
	if err := ValidatePaths(all.Script.Exclude); err != nil {
		return fmt.Errorf("script exclude: %w", err)
	}
	if _, err := parseSize(all.Script.MaxSize); err != nil {
		return fmt.Errorf("script: invalid max_size %q: %w", all.Script.MaxSize, err)
	}
	if err := ValidateQueueCapacity(all.Session.QueueCapacity); err != nil {
		return err
	}
	if _, err := parseSize(all.Session.BufferSize); err != nil {
		return fmt.Errorf("session: invalid buffer_size %q: %w", all.Session.BufferSize, err)
	}
	return ValidateVerboseLevel(all.Verbose.Level)
}

// SessionOptions converts the configuration into session options
func (c *Config) SessionOptions() (SessionOptions, error) {
	if err := c.Validate(); err != nil {
		return SessionOptions{}, err
	}
	all := c.GetAllConfig()

	maxSize, _ := parseSize(all.Script.MaxSize)
	bufferSize, _ := parseSize(all.Session.BufferSize)

	return SessionOptions{
		Write: ChannelConfig{
			Enabled:       all.Write.Enable,
			Include:       all.Write.Include,
			Exclude:       all.Write.Exclude,
			MaxEvents:     all.Write.MaxEvents,
			ExcludeHidden: all.Write.ExcludeHidden,
		},
		Read: ChannelConfig{
			Enabled:       all.Read.Enable,
			Include:       all.Read.Include,
			Exclude:       all.Read.Exclude,
			MaxEvents:     all.Read.MaxEvents,
			ExcludeHidden: all.Read.ExcludeHidden,
		},
		Script: ScriptConfig{
			Enabled:       all.Script.Enable,
			Include:       all.Script.Include,
			Exclude:       all.Script.Exclude,
			Extensions:    all.Script.Extensions,
			MaxCount:      all.Script.MaxCount,
			MaxSize:       maxSize,
			ExcludeHidden: all.Script.ExcludeHidden,
		},
		HashChunkSize: all.Hash.ChunkSize,
		HashMaxChunks: all.Hash.MaxChunks,
		QueueCapacity: all.Session.QueueCapacity,
		CacheValidity: all.Session.CacheValidity,
		BufferSize:    int(bufferSize),
		ReadWriteDual: all.Session.ReadWriteDual,
	}, nil
}

// Set stores a single section.key value
func (c *Config) Set(section, key, value string) {
	c.ini.Section(section).Key(key).SetValue(value)
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	return c.ini.SaveTo(c.configPath)
}

// Path returns the file the configuration is loaded from and saved to
func (c *Config) Path() string {
	return c.configPath
}

// ApplyOverrides applies command-line overrides to the configuration
// Accepts strings like "hash.max_chunks:8", "write.include:/home/u,/srv", "verbose.level:2"
func (c *Config) ApplyOverrides(overrides []string) error {
	for _, override := range overrides {
		parts := strings.SplitN(override, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid override format '%s', expected 'section.key:value'", override)
		}

		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		section, key, ok := strings.Cut(name, ".")
		if !ok || !isKnownKey(section, key) {
			return fmt.Errorf("unsupported override key '%s' (supported: %s)", name, strings.Join(knownKeys(), ", "))
		}
		c.Set(section, key, value)
	}

	return nil
}

func isKnownKey(section, key string) bool {
	for _, d := range defaultKeys {
		if d.section == section && d.key == key {
			return true
		}
	}
	return false
}

func knownKeys() []string {
	keys := make([]string, 0, len(defaultKeys))
	for _, d := range defaultKeys {
		keys = append(keys, d.section+"."+d.key)
	}
	return keys
}

// ValidateMaxEvents validates a per-channel event or stored file cap
func ValidateMaxEvents(max int) error {
	if max < 1 {
		return fmt.Errorf("max events must be at least 1, got: %d", max)
	}
	return nil
}

// ValidatePaths validates that filter paths are absolute and within the matcher bound
func ValidatePaths(paths []string) error {
	if len(paths) > MaxMatcherPaths {
		return fmt.Errorf("%w: %d paths, at most %d", ErrCapacityExceeded, len(paths), MaxMatcherPaths)
	}
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%w: %q", ErrNotAbsolute, p)
		}
	}
	return nil
}

// ValidateQueueCapacity validates that the queue capacity is a power of two within bounds
func ValidateQueueCapacity(capacity int) error {
	if capacity < 2 || capacity > 1<<20 {
		return fmt.Errorf("queue capacity must be between 2 and %d, got: %d", 1<<20, capacity)
	}
	if capacity&(capacity-1) != 0 {
		return fmt.Errorf("queue capacity must be a power of two, got: %d", capacity)
	}
	return nil
}

// ValidateVerboseLevel validates that a verbose level is valid
func ValidateVerboseLevel(level int) error {
	if level < 0 || level > 3 {
		return fmt.Errorf("invalid verbose level: %d (supported: 0-3)", level)
	}
	return nil
}

// FormatSize renders a byte count the way sizes are written in the config file
func FormatSize(size int64) string {
	return humanize.IBytes(uint64(size))
}

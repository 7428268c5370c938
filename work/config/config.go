package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the video delivery
// control plane. It covers the access-grant session settings, the HLS
// packaging window, the stream health thresholds, and the operational knobs
// shared by every component (logging, worker pool, storage paths).
type Config struct {
	BaseURL               string        `json:"baseURL"`               // Public base URL of this service (used in playlist links)
	ListenPort            int           `json:"listenPort"`            // HTTP listen port
	Debug                 bool          `json:"debug"`                 // Enable debug logging
	ObfuscateUrls         bool          `json:"obfuscateUrls"`         // Obfuscate URLs in logs for security
	WorkerThreads         int           `json:"workerThreads"`         // Number of worker threads for background sweeps
	DatabasePath          string        `json:"databasePath"`          // Path to the SQLite catalog database
	SessionTTL            time.Duration `json:"sessionTTL"`            // Lifetime of an access session from issue/refresh
	CleanupInterval       time.Duration `json:"cleanupInterval"`       // Interval between expired-session sweeps
	GrantRateLimit        int           `json:"grantRateLimit"`        // Max grant issuances per second per subscription tier
	SigningSecret         string        `json:"signingSecret"`         // HMAC-SHA256 secret for signed URLs
	SignedURLBase         string        `json:"signedURLBase"`         // Base URL of the storage edge that serves signed objects
	TranscoderURL         string        `json:"transcoderURL"`         // Control endpoint of the external transcoding pipeline ("" = noop)
	SegmentWindowSize     uint          `json:"segmentWindowSize"`     // Sliding window size per quality in media playlists
	TargetSegmentDuration time.Duration `json:"targetSegmentDuration"` // Expected duration of a single HLS segment
	PlaylistCacheSize     int           `json:"playlistCacheSize"`     // Max entries in the rendered-playlist cache
	PlaylistCacheTTL      time.Duration `json:"playlistCacheTTL"`      // TTL of rendered playlist text before re-render
	OptimisticLive        bool          `json:"optimisticLive"`        // Mark streams online at init, before the first heartbeat
	HealthCheckInterval   time.Duration `json:"healthCheckInterval"`   // Interval between staleness sweeps
	HealthTimeout         time.Duration `json:"healthTimeout"`         // Heartbeat age after which a stream is flagged offline
	FreshnessWindow       time.Duration `json:"freshnessWindow"`       // Stricter heartbeat age gate for playback admission
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. Duration fields (e.g., "30s", "4h") are stored as strings
// and parsed into time.Duration values on load.
type ConfigFile struct {
	BaseURL               string `json:"baseURL"`
	ListenPort            int    `json:"listenPort"`
	Debug                 bool   `json:"debug"`
	ObfuscateUrls         bool   `json:"obfuscateUrls"`
	WorkerThreads         int    `json:"workerThreads"`
	DatabasePath          string `json:"databasePath"`
	SessionTTL            string `json:"sessionTTL"`      // Duration string (e.g., "4h")
	CleanupInterval       string `json:"cleanupInterval"` // Duration string (e.g., "60s")
	GrantRateLimit        int    `json:"grantRateLimit"`
	SigningSecret         string `json:"signingSecret"`
	SignedURLBase         string `json:"signedURLBase"`
	TranscoderURL         string `json:"transcoderURL"`
	SegmentWindowSize     uint   `json:"segmentWindowSize"`
	TargetSegmentDuration string `json:"targetSegmentDuration"` // Duration string (e.g., "6s")
	PlaylistCacheSize     int    `json:"playlistCacheSize"`
	PlaylistCacheTTL      string `json:"playlistCacheTTL"` // Duration string (e.g., "2s")
	OptimisticLive        *bool  `json:"optimisticLive"`   // Pointer so an absent field defaults to true
	HealthCheckInterval   string `json:"healthCheckInterval"`
	HealthTimeout         string `json:"healthTimeout"`
	FreshnessWindow       string `json:"freshnessWindow"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// ConfigPath is the default location of the JSON configuration file. It is a
// variable so deployments (and tests) can point elsewhere before LoadConfig.
var ConfigPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from ConfigPath.
//   - Falls back to default config if file is missing or invalid.
//   - Runs validation to ensure safe defaults.
//
// Returns:
//   - *Config: fully validated configuration object
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	config, err := loadFromFile(ConfigPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", ConfigPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	// Cache for future calls
	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Base URL: %s", config.BaseURL)
		log.Printf("  Signed URL base: %s", obfuscateURL(config.SignedURLBase))
		log.Printf("  Transcoder: %s", obfuscateURL(config.TranscoderURL))
		log.Printf("  Session TTL: %s", config.SessionTTL)
		log.Printf("  Segment window: %d", config.SegmentWindowSize)
		log.Printf("  Health timeout: %s / freshness window: %s", config.HealthTimeout, config.FreshnessWindow)
	}

	return config
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:           cf.BaseURL,
		ListenPort:        cf.ListenPort,
		Debug:             cf.Debug,
		ObfuscateUrls:     cf.ObfuscateUrls,
		WorkerThreads:     cf.WorkerThreads,
		DatabasePath:      cf.DatabasePath,
		GrantRateLimit:    cf.GrantRateLimit,
		SigningSecret:     cf.SigningSecret,
		SignedURLBase:     cf.SignedURLBase,
		TranscoderURL:     cf.TranscoderURL,
		SegmentWindowSize: cf.SegmentWindowSize,
		PlaylistCacheSize: cf.PlaylistCacheSize,
		OptimisticLive:    true,
	}

	// Absent optimisticLive keeps the source behavior (online at init)
	if cf.OptimisticLive != nil {
		config.OptimisticLive = *cf.OptimisticLive
	}

	// Parse duration fields
	var err error
	if config.SessionTTL, err = parseDuration(cf.SessionTTL); err != nil {
		return nil, fmt.Errorf("invalid sessionTTL: %w", err)
	}
	if config.CleanupInterval, err = parseDuration(cf.CleanupInterval); err != nil {
		return nil, fmt.Errorf("invalid cleanupInterval: %w", err)
	}
	if config.TargetSegmentDuration, err = parseDuration(cf.TargetSegmentDuration); err != nil {
		return nil, fmt.Errorf("invalid targetSegmentDuration: %w", err)
	}
	if config.PlaylistCacheTTL, err = parseDuration(cf.PlaylistCacheTTL); err != nil {
		return nil, fmt.Errorf("invalid playlistCacheTTL: %w", err)
	}
	if config.HealthCheckInterval, err = parseDuration(cf.HealthCheckInterval); err != nil {
		return nil, fmt.Errorf("invalid healthCheckInterval: %w", err)
	}
	if config.HealthTimeout, err = parseDuration(cf.HealthTimeout); err != nil {
		return nil, fmt.Errorf("invalid healthTimeout: %w", err)
	}
	if config.FreshnessWindow, err = parseDuration(cf.FreshnessWindow); err != nil {
		return nil, fmt.Errorf("invalid freshnessWindow: %w", err)
	}

	return config, nil
}

// parseDuration parses a duration string, treating the empty string as zero
// so that omitted fields fall through to validateAndSetDefaults.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:               "http://localhost:8080",
		ListenPort:            8080,
		Debug:                 false,
		ObfuscateUrls:         false,
		WorkerThreads:         8,
		DatabasePath:          "/data/streamgate.db",
		SessionTTL:            4 * time.Hour,
		CleanupInterval:       60 * time.Second,
		GrantRateLimit:        50,
		SignedURLBase:         "http://localhost:8080/objects",
		SegmentWindowSize:     6,
		TargetSegmentDuration: 6 * time.Second,
		PlaylistCacheSize:     4096,
		PlaylistCacheTTL:      2 * time.Second,
		OptimisticLive:        true,
		HealthCheckInterval:   30 * time.Second,
		HealthTimeout:         60 * time.Second,
		FreshnessWindow:       30 * time.Second,
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenPort <= 0 {
		config.ListenPort = 8080
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/data/streamgate.db"
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 4 * time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 60 * time.Second
	}
	if config.GrantRateLimit <= 0 {
		config.GrantRateLimit = 50
	}
	if config.SignedURLBase == "" {
		config.SignedURLBase = config.BaseURL + "/objects"
	}
	if config.SegmentWindowSize == 0 {
		config.SegmentWindowSize = 6
	}
	if config.TargetSegmentDuration <= 0 {
		config.TargetSegmentDuration = 6 * time.Second
	}
	if config.PlaylistCacheSize <= 0 {
		config.PlaylistCacheSize = 4096
	}
	if config.PlaylistCacheTTL <= 0 {
		config.PlaylistCacheTTL = 2 * time.Second
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 60 * time.Second
	}
	// The freshness window gates playback admission and must be stricter
	// than the unhealthy timeout.
	if config.FreshnessWindow <= 0 || config.FreshnessWindow > config.HealthTimeout {
		config.FreshnessWindow = 30 * time.Second
		if config.FreshnessWindow > config.HealthTimeout {
			config.FreshnessWindow = config.HealthTimeout / 2
		}
	}
}

// CreateExampleConfig creates an example config file on disk.
func CreateExampleConfig(path string) error {
	optimistic := true
	example := ConfigFile{
		BaseURL:               "http://localhost:8080",
		ListenPort:            8080,
		Debug:                 false,
		ObfuscateUrls:         true,
		WorkerThreads:         8,
		DatabasePath:          "/data/streamgate.db",
		SessionTTL:            "4h",
		CleanupInterval:       "60s",
		GrantRateLimit:        50,
		SigningSecret:         "change-me",
		SignedURLBase:         "https://edge.example.com/objects",
		TranscoderURL:         "http://transcoder:9000/jobs",
		SegmentWindowSize:     6,
		TargetSegmentDuration: "6s",
		PlaylistCacheSize:     4096,
		PlaylistCacheTTL:      "2s",
		OptimisticLive:        &optimistic,
		HealthCheckInterval:   "30s",
		HealthTimeout:         "60s",
		FreshnessWindow:       "30s",
	}

	// setup the data properly
	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	// write the config file
	return os.WriteFile(path, data, 0644)
}

// ClearConfigCache resets the configCache to nil.
// Forces a reload on the next LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// obfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func obfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

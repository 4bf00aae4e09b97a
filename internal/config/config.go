// Package config provides configuration management for the vision capture daemon
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config represents the daemon configuration
type Config struct {
	MQTT    MQTTConfig     `json:"mqtt"`
	Storage StorageConfig  `json:"storage"`
	System  SystemConfig   `json:"system"`
	Cameras []CameraConfig `json:"cameras"`

	// Internal fields
	mu       sync.RWMutex    `json:"-"`
	path     string          `json:"-"`
	watchers []func(*Config) `json:"-"`
}

// MQTTConfig holds broker connection settings and the topic map
type MQTTConfig struct {
	BrokerHost string            `json:"broker_host"`
	BrokerPort int               `json:"broker_port"`
	Username   string            `json:"username,omitempty"`
	Password   string            `json:"password,omitempty"`
	Topics     map[string]string `json:"topics"` // machine name -> topic
}

// StorageConfig holds recording storage settings
type StorageConfig struct {
	BasePath                    string `json:"base_path"`
	MaxFileSizeMB               int    `json:"max_file_size_mb"`
	MaxRecordingDurationMinutes int    `json:"max_recording_duration_minutes"`
	CleanupOlderThanDays        int    `json:"cleanup_older_than_days"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	CameraCheckIntervalSeconds int    `json:"camera_check_interval_seconds"`
	LogLevel                   string `json:"log_level"`
	LogFile                    string `json:"log_file,omitempty"`
	APIHost                    string `json:"api_host"`
	APIPort                    int    `json:"api_port"`
	EnableAPI                  bool   `json:"enable_api"`
	Timezone                   string `json:"timezone"`
	AutoRecordingEnabled       bool   `json:"auto_recording_enabled"`
}

// CameraConfig holds configuration for a single camera
type CameraConfig struct {
	Name         string `json:"name"`
	MachineTopic string `json:"machine_topic"`
	StoragePath  string `json:"storage_path"`
	Enabled      bool   `json:"enabled"`

	// Acquisition settings
	ExposureMs float64 `json:"exposure_ms"`
	Gain       float64 `json:"gain"`
	TargetFPS  float64 `json:"target_fps"` // 0 means unlimited
	BitDepth   int     `json:"bit_depth"`  // 8, 10, 12 or 16

	// Container settings
	VideoFormat  string `json:"video_format"`
	VideoCodec   string `json:"video_codec"`
	VideoQuality int    `json:"video_quality"`

	// Auto-recording policy
	AutoStartRecordingEnabled      bool `json:"auto_start_recording_enabled"`
	AutoRecordingMaxRetries        int  `json:"auto_recording_max_retries"`
	AutoRecordingRetryDelaySeconds int  `json:"auto_recording_retry_delay_seconds"`

	// Image tuning
	Sharpness              int     `json:"sharpness"`  // 0-200
	Contrast               int     `json:"contrast"`   // 0-200
	Saturation             int     `json:"saturation"` // 0-200, color only
	Gamma                  int     `json:"gamma"`      // 0-300
	NoiseFilterEnabled     bool    `json:"noise_filter_enabled"`
	Denoise3DEnabled       bool    `json:"denoise_3d_enabled"`
	AutoWhiteBalance       bool    `json:"auto_white_balance"`
	ColorTemperaturePreset int     `json:"color_temperature_preset"` // 0-10
	WBRedGain              float64 `json:"wb_red_gain"`              // 0.0-3.99
	WBGreenGain            float64 `json:"wb_green_gain"`
	WBBlueGain             float64 `json:"wb_blue_gain"`
	AntiFlickerEnabled     bool    `json:"anti_flicker_enabled"`
	LightFrequency         int     `json:"light_frequency"` // 0=50Hz, 1=60Hz
	HDREnabled             bool    `json:"hdr_enabled"`
	HDRGainMode            int     `json:"hdr_gain_mode"` // 0-3
}

// Load loads configuration from a JSON file. A missing file yields the
// default configuration, persisted to the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.path = path
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		slog.Info("Created default configuration", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration populated with every default value,
// including the two reference machines and their cameras.
func Default() *Config {
	cfg := &Config{
		MQTT: MQTTConfig{
			Topics: map[string]string{
				"vibratory_conveyor": "vision/vibratory_conveyor/state",
				"blower_separator":   "vision/blower_separator/state",
			},
		},
		Cameras: []CameraConfig{
			defaultCamera("camera1", "vibratory_conveyor"),
			defaultCamera("camera2", "blower_separator"),
		},
	}
	cfg.setDefaults()
	return cfg
}

func defaultCamera(name, machineTopic string) CameraConfig {
	cam := defaultCameraSettings()
	cam.Name = name
	cam.MachineTopic = machineTopic
	cam.Enabled = true
	return cam
}

// defaultCameraSettings returns a camera block with every tunable at its
// default. Name, topic and storage path are left for the caller.
func defaultCameraSettings() CameraConfig {
	return CameraConfig{
		ExposureMs:                     1.0,
		Gain:                           3.5,
		TargetFPS:                      3.0,
		BitDepth:                       8,
		VideoFormat:                    "mp4",
		VideoCodec:                     "mp4v",
		VideoQuality:                   95,
		AutoStartRecordingEnabled:      true,
		AutoRecordingMaxRetries:        3,
		AutoRecordingRetryDelaySeconds: 10,
		Sharpness:                      100,
		Contrast:                       100,
		Saturation:                     100,
		Gamma:                          100,
		WBRedGain:                      1.0,
		WBGreenGain:                    1.0,
		WBBlueGain:                     1.0,
		LightFrequency:                 1, // 60 Hz
	}
}

// UnmarshalJSON decodes a camera block over the defaults, so an absent key
// keeps its default while an explicit zero (e.g. target_fps=0 for
// unlimited) is preserved.
func (c *CameraConfig) UnmarshalJSON(data []byte) error {
	type plain CameraConfig
	tmp := plain(defaultCameraSettings())
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*c = CameraConfig(tmp)
	return nil
}

func defaultSystem() SystemConfig {
	return SystemConfig{
		CameraCheckIntervalSeconds: 2,
		LogLevel:                   "info",
		APIHost:                    "0.0.0.0",
		APIPort:                    8000,
		EnableAPI:                  true,
		Timezone:                   "America/New_York",
		AutoRecordingEnabled:       true,
	}
}

// UnmarshalJSON decodes the system block over the defaults. enable_api and
// auto_recording_enabled default to true, so absence must not read as false.
func (s *SystemConfig) UnmarshalJSON(data []byte) error {
	type plain SystemConfig
	tmp := plain(defaultSystem())
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*s = SystemConfig(tmp)
	return nil
}

// Save saves the configuration atomically
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Copy for marshalling so the mutex is not serialized
	cfgCopy := struct {
		MQTT    MQTTConfig     `json:"mqtt"`
		Storage StorageConfig  `json:"storage"`
		System  SystemConfig   `json:"system"`
		Cameras []CameraConfig `json:"cameras"`
	}{c.MQTT, c.Storage, c.System, c.Cameras}

	data, err := json.MarshalIndent(cfgCopy, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.MQTT = newCfg.MQTT
	c.Storage = newCfg.Storage
	c.System = newCfg.System
	c.Cameras = newCfg.Cameras
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// CameraByName returns a camera by name
func (c *Config) CameraByName(name string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].Name == name {
			return &c.Cameras[i]
		}
	}
	return nil
}

// CamerasForTopic returns all cameras bound to the given machine topic key
func (c *Config) CamerasForTopic(machineTopic string) []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []CameraConfig
	for i := range c.Cameras {
		if c.Cameras[i].MachineTopic == machineTopic {
			out = append(out, c.Cameras[i])
		}
	}
	return out
}

// UpdateCamera replaces a camera's configuration and persists the file
func (c *Config) UpdateCamera(cam CameraConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].Name == cam.Name {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("camera not found: %s", cam.Name)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// Path returns the current config file path
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.MQTT.BrokerHost == "" {
		c.MQTT.BrokerHost = "192.168.1.110"
	}
	if c.MQTT.BrokerPort == 0 {
		c.MQTT.BrokerPort = 1883
	}
	if c.MQTT.Topics == nil {
		c.MQTT.Topics = make(map[string]string)
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "/storage"
	}
	if c.Storage.MaxFileSizeMB == 0 {
		c.Storage.MaxFileSizeMB = 2048
	}
	if c.Storage.MaxRecordingDurationMinutes == 0 {
		c.Storage.MaxRecordingDurationMinutes = 60
	}
	if c.Storage.CleanupOlderThanDays == 0 {
		c.Storage.CleanupOlderThanDays = 30
	}
	if c.System == (SystemConfig{}) {
		c.System = defaultSystem()
	}
	for i := range c.Cameras {
		if c.Cameras[i].StoragePath == "" {
			c.Cameras[i].StoragePath = filepath.Join(c.Storage.BasePath, c.Cameras[i].Name)
		}
	}
}

// Validate checks configuration consistency. A validation failure aborts
// startup.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.System.APIPort < 1 || c.System.APIPort > 65535 {
		return fmt.Errorf("invalid api_port: %d", c.System.APIPort)
	}
	if _, err := time.LoadLocation(c.System.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.System.Timezone, err)
	}

	seen := make(map[string]bool)
	for i := range c.Cameras {
		cam := &c.Cameras[i]
		if cam.Name == "" {
			return fmt.Errorf("camera %d: name is required", i)
		}
		if seen[cam.Name] {
			return fmt.Errorf("duplicate camera name: %s", cam.Name)
		}
		seen[cam.Name] = true

		if err := ValidateCameraSettings(cam); err != nil {
			return fmt.Errorf("camera %s: %w", cam.Name, err)
		}
	}
	return nil
}

// ValidateCameraSettings checks the tunable ranges of a camera block.
func ValidateCameraSettings(cam *CameraConfig) error {
	switch cam.BitDepth {
	case 8, 10, 12, 16:
	default:
		return fmt.Errorf("bit_depth must be one of 8, 10, 12, 16, got %d", cam.BitDepth)
	}
	if cam.LightFrequency != 0 && cam.LightFrequency != 1 {
		return fmt.Errorf("light_frequency must be 0 (50Hz) or 1 (60Hz), got %d", cam.LightFrequency)
	}
	if cam.Sharpness < 0 || cam.Sharpness > 200 {
		return fmt.Errorf("sharpness out of range [0,200]: %d", cam.Sharpness)
	}
	if cam.Contrast < 0 || cam.Contrast > 200 {
		return fmt.Errorf("contrast out of range [0,200]: %d", cam.Contrast)
	}
	if cam.Saturation < 0 || cam.Saturation > 200 {
		return fmt.Errorf("saturation out of range [0,200]: %d", cam.Saturation)
	}
	if cam.Gamma < 0 || cam.Gamma > 300 {
		return fmt.Errorf("gamma out of range [0,300]: %d", cam.Gamma)
	}
	if cam.ColorTemperaturePreset < 0 || cam.ColorTemperaturePreset > 10 {
		return fmt.Errorf("color_temperature_preset out of range [0,10]: %d", cam.ColorTemperaturePreset)
	}
	for _, g := range []struct {
		name string
		val  float64
	}{
		{"wb_red_gain", cam.WBRedGain},
		{"wb_green_gain", cam.WBGreenGain},
		{"wb_blue_gain", cam.WBBlueGain},
	} {
		if g.val < 0 || g.val >= 4.0 {
			return fmt.Errorf("%s out of range [0.0,3.99]: %g", g.name, g.val)
		}
	}
	if cam.HDRGainMode < 0 || cam.HDRGainMode > 3 {
		return fmt.Errorf("hdr_gain_mode out of range [0,3]: %d", cam.HDRGainMode)
	}
	if cam.ExposureMs <= 0 {
		return fmt.Errorf("exposure_ms must be positive: %g", cam.ExposureMs)
	}
	if cam.Gain < 0 {
		return fmt.Errorf("gain must not be negative: %g", cam.Gain)
	}
	if cam.TargetFPS < 0 {
		return fmt.Errorf("target_fps must not be negative: %g", cam.TargetFPS)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// USBConfig selects the display controller on the bus.
type USBConfig struct {
	// VendorID and ProductID of the controller. Defaults are the
	// DisplayLink base chip this driver was written against.
	VendorID  uint16 `yaml:"vendor_id" json:"vendor_id"`
	ProductID uint16 `yaml:"product_id" json:"product_id"`
}

// DisplayConfig tunes mode selection and the command pipeline.
type DisplayConfig struct {
	// Width and Height are the fallback mode used when the monitor's
	// EDID cannot be read or parsed.
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`

	// BufferSize is the command buffer in bytes; Reserve is the tail
	// kept free so a buffer is flushed before a command could truncate.
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	Reserve    int `yaml:"reserve" json:"reserve"`

	// SendTimeoutMs bounds a single bulk transfer.
	SendTimeoutMs int `yaml:"send_timeout_ms" json:"send_timeout_ms"`
}

// CaptureConfig describes the frame source rendered onto the display.
type CaptureConfig struct {
	// URL is the page captured with headless Chromium each refresh.
	URL string `yaml:"url" json:"url"`

	// WaitSelector, if set, is a CSS selector the page must show before
	// the screenshot is taken (e.g. `[data-ready="true"]`).
	WaitSelector string `yaml:"wait_selector" json:"wait_selector"`

	// TimeoutSec bounds one capture.
	TimeoutSec int `yaml:"timeout_sec" json:"timeout_sec"`
}

// Config is the top-level daemon configuration.
type Config struct {
	// Listen is the HTTP listen address for the status/preview API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is DEBUG, INFO or ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule (e.g. "@every 2s" or
	// "*/1 * * * *") driving capture-and-blit cycles.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	USB     USBConfig     `yaml:"usb" json:"usb"`
	Display DisplayConfig `yaml:"display" json:"display"`
	Capture CaptureConfig `yaml:"capture" json:"capture"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		LogLevel:    "INFO",
		RefreshCron: "@every 5s",
		USB: USBConfig{
			VendorID:  0x17E9,
			ProductID: 0x0141,
		},
		Display: DisplayConfig{
			Width:         1024,
			Height:        768,
			BufferSize:    64 * 1024,
			Reserve:       1024,
			SendTimeoutMs: 1000,
		},
		Capture: CaptureConfig{
			TimeoutSec: 30,
		},
	}
}

// SendTimeout returns the configured bulk transfer deadline.
func (d DisplayConfig) SendTimeout() time.Duration {
	return time.Duration(d.SendTimeoutMs) * time.Millisecond
}

// CaptureTimeout returns the configured capture deadline.
func (c CaptureConfig) CaptureTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Normalize fills in missing/zero values with defaults so partially
// filled configs (e.g. older versions) still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "ERROR":
	default:
		c.LogLevel = def.LogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = def.RefreshCron
	}
	if c.USB.VendorID == 0 {
		c.USB.VendorID = def.USB.VendorID
	}
	if c.USB.ProductID == 0 {
		c.USB.ProductID = def.USB.ProductID
	}
	if c.Display.Width <= 0 {
		c.Display.Width = def.Display.Width
	}
	if c.Display.Height <= 0 {
		c.Display.Height = def.Display.Height
	}
	if c.Display.BufferSize <= 0 {
		c.Display.BufferSize = def.Display.BufferSize
	}
	if c.Display.Reserve <= 0 {
		c.Display.Reserve = def.Display.Reserve
	}
	if c.Display.Reserve >= c.Display.BufferSize {
		c.Display.BufferSize = def.Display.BufferSize
		c.Display.Reserve = def.Display.Reserve
	}
	if c.Display.SendTimeoutMs <= 0 {
		c.Display.SendTimeoutMs = def.Display.SendTimeoutMs
	}
	if c.Capture.TimeoutSec <= 0 {
		c.Capture.TimeoutSec = def.Capture.TimeoutSec
	}
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written there (parent
// directory created as needed, file mode 0600) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically: temp file in the same
// directory, fsync, chmod 0600, rename over the target.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".udlblit-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

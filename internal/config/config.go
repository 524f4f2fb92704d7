package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hayesraffle/QuickCapture/internal/hw/camera"
	"github.com/hayesraffle/QuickCapture/internal/logic/capture"
	"github.com/hayesraffle/QuickCapture/internal/session"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 64 * 1024

// NoPreviewLimit as max_preview_failures keeps retrying a failing live
// view forever.
const NoPreviewLimit = -1

// CameraConfig selects the camera backend.
// Only "simulator" ships; real bodies plug in through camera.Connector.
type CameraConfig struct {
	Type            string `yaml:"type"`
	PreviewWidth    int    `yaml:"preview_width"`
	PreviewHeight   int    `yaml:"preview_height"`
	FrameIntervalMs int    `yaml:"frame_interval_ms"` // simulated live view rate
	FileDelayMs     int    `yaml:"file_delay_ms"`     // full press to file-added
}

// SessionConfig holds the connection and loop timings.
type SessionConfig struct {
	SettleDelayMs       int      `yaml:"settle_delay_ms"`        // after killing the OS daemons
	ReconnectBackoffMs  int      `yaml:"reconnect_backoff_ms"`   // between failed attempts
	ReconnectPauseMs    int      `yaml:"reconnect_pause_ms"`     // after a disconnect
	EventPollTimeoutMs  int      `yaml:"event_poll_timeout_ms"`  // per loop iteration
	PreviewRetryDelayMs int      `yaml:"preview_retry_delay_ms"` // after a transient preview error
	MaxPreviewFailures  int      `yaml:"max_preview_failures"`   // 0 = default (50), -1 = never force a reconnect
	ShutdownTimeoutMs   int      `yaml:"shutdown_timeout_ms"`
	ResetDaemons        []string `yaml:"reset_daemons"` // killed before each connect (macOS)
}

// CaptureConfig holds the capture protocol timings.
type CaptureConfig struct {
	CaptureDeadlineMs  int `yaml:"capture_deadline_ms"`
	ReleaseDebounceMs  int `yaml:"release_debounce_ms"`
	ReleasePollMs      int `yaml:"release_poll_ms"`
	PostCaptureDelayMs int `yaml:"post_capture_delay_ms"`
	ViewfinderSettleMs int `yaml:"viewfinder_settle_ms"`
	FocusResetDelayMs  int `yaml:"focus_reset_delay_ms"`
	FocusLockDelayMs   int `yaml:"focus_lock_delay_ms"`
	FlashSettleMs      int `yaml:"flash_settle_ms"`
}

// ControlsConfig names the device controls. Empty fields keep the
// Canon EOS defaults and "-" clears one. A cleared capture_target,
// image_format or viewfinder is not written on connect; a cleared zoom
// disables zoom.
type ControlsConfig struct {
	CaptureTarget      string `yaml:"capture_target"`
	CaptureTargetValue string `yaml:"capture_target_value"`
	ImageFormat        string `yaml:"image_format"`
	ImageFormatValue   string `yaml:"image_format_value"`
	Viewfinder         string `yaml:"viewfinder"`
	Autofocus          string `yaml:"autofocus"`
	ExposureMode       string `yaml:"exposure_mode"`
	FlashOnValue       string `yaml:"flash_on_value"`
	FlashOffValue      string `yaml:"flash_off_value"`
	RemoteRelease      string `yaml:"remote_release"`
	Zoom               string `yaml:"zoom"`
}

// OutputConfig says where received files go.
type OutputConfig struct {
	SaveDir string `yaml:"save_dir"`
	Prefix  string `yaml:"prefix"`
}

// PanelConfig describes the optional foot pedal and ready LED.
// A pin of 0 disables that part.
type PanelConfig struct {
	PedalPin      int `yaml:"pedal_pin"` // BCM, wired to GND, internal pull-up
	LEDPin        int `yaml:"led_pin"`   // BCM, active HIGH
	DebounceMs    int `yaml:"debounce_ms"`
	PollMs        int `yaml:"poll_ms"`
	BlinkPeriodMs int `yaml:"blink_period_ms"` // LED while connecting
}

// WebConfig configures the browser remote.
type WebConfig struct {
	Port          int     `yaml:"port"` // 0 = disabled unless -web is given
	PreviewMaxFPS float64 `yaml:"preview_max_fps"`
}

// TelemetryConfig configures metric export. An empty endpoint turns it off.
type TelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	ExportPeriodMs int    `yaml:"export_period_ms"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Session   SessionConfig   `yaml:"session"`
	Capture   CaptureConfig   `yaml:"capture"`
	Controls  ControlsConfig  `yaml:"controls"`
	Output    OutputConfig    `yaml:"output"`
	Panel     PanelConfig     `yaml:"panel"`
	Web       WebConfig       `yaml:"web"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Camera:   CameraConfig{Type: "simulator"},
		Defaults: DefaultsConfig{MockGPIO: true},
	}
	cfg.applyDefaults()
	return cfg
}

// ValidateConfigPath rejects paths that are empty, not .yaml, contain
// "..", or do not sit directly in a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain ..", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	if cfg.Camera.Type == "" {
		return nil, fmt.Errorf("camera.type is required")
	}
	if cfg.Camera.Type != "simulator" {
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}
	if cfg.Session.MaxPreviewFailures < NoPreviewLimit {
		return nil, fmt.Errorf("max_preview_failures must be >= -1, got %d", cfg.Session.MaxPreviewFailures)
	}
	if cfg.Web.Port < 0 || cfg.Web.Port > 65535 {
		return nil, fmt.Errorf("web.port must be between 0 and 65535, got %d", cfg.Web.Port)
	}
	if cfg.Panel.PedalPin < 0 || cfg.Panel.LEDPin < 0 {
		return nil, fmt.Errorf("panel pins must be >= 0")
	}
	if cfg.Panel.PedalPin != 0 && cfg.Panel.PedalPin == cfg.Panel.LEDPin {
		return nil, fmt.Errorf("panel.pedal_pin and panel.led_pin must differ, both %d", cfg.Panel.PedalPin)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	defaultMs(&c.Camera.FrameIntervalMs, 66)
	defaultMs(&c.Camera.FileDelayMs, 400)
	defaultMs(&c.Camera.PreviewWidth, 640)
	defaultMs(&c.Camera.PreviewHeight, 424)

	defaultMs(&c.Session.SettleDelayMs, 1500)
	defaultMs(&c.Session.ReconnectBackoffMs, 2000)
	defaultMs(&c.Session.ReconnectPauseMs, 1000)
	defaultMs(&c.Session.EventPollTimeoutMs, 10)
	defaultMs(&c.Session.PreviewRetryDelayMs, 200)
	defaultMs(&c.Session.ShutdownTimeoutMs, 2000)
	if c.Session.MaxPreviewFailures == 0 {
		c.Session.MaxPreviewFailures = session.DefaultConfig().MaxPreviewFailures
	}
	if c.Session.ResetDaemons == nil {
		c.Session.ResetDaemons = []string{"ptpcamerad", "mscamerad", "PTPCamera"}
	}

	defaultMs(&c.Capture.CaptureDeadlineMs, 8000)
	defaultMs(&c.Capture.ReleaseDebounceMs, 250)
	defaultMs(&c.Capture.ReleasePollMs, 300)
	defaultMs(&c.Capture.PostCaptureDelayMs, 800)
	defaultMs(&c.Capture.ViewfinderSettleMs, 500)
	defaultMs(&c.Capture.FocusResetDelayMs, 100)
	defaultMs(&c.Capture.FocusLockDelayMs, 2000)
	defaultMs(&c.Capture.FlashSettleMs, 300)

	if c.Output.SaveDir == "" {
		c.Output.SaveDir = "scans"
	}
	if c.Output.Prefix == "" {
		c.Output.Prefix = "scan"
	}

	defaultMs(&c.Panel.DebounceMs, 50)
	defaultMs(&c.Panel.PollMs, 10)
	defaultMs(&c.Panel.BlinkPeriodMs, 500)

	if c.Web.PreviewMaxFPS <= 0 {
		c.Web.PreviewMaxFPS = 10
	}
	defaultMs(&c.Telemetry.ExportPeriodMs, 15000)
}

func defaultMs(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// CameraControls returns the control names with unset fields taken
// from the Canon EOS defaults.
func (c *Config) CameraControls() camera.Controls {
	ctl := camera.DefaultControls()
	pick := func(dst *string, v string) {
		switch v {
		case "":
		case "-":
			*dst = ""
		default:
			*dst = v
		}
	}
	pick(&ctl.CaptureTarget, c.Controls.CaptureTarget)
	pick(&ctl.CaptureTargetValue, c.Controls.CaptureTargetValue)
	pick(&ctl.ImageFormat, c.Controls.ImageFormat)
	pick(&ctl.ImageFormatValue, c.Controls.ImageFormatValue)
	pick(&ctl.Viewfinder, c.Controls.Viewfinder)
	pick(&ctl.Autofocus, c.Controls.Autofocus)
	pick(&ctl.ExposureMode, c.Controls.ExposureMode)
	pick(&ctl.FlashOnValue, c.Controls.FlashOnValue)
	pick(&ctl.FlashOffValue, c.Controls.FlashOffValue)
	pick(&ctl.RemoteRelease, c.Controls.RemoteRelease)
	pick(&ctl.Zoom, c.Controls.Zoom)
	return ctl
}

// SessionConfig builds the session timings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Controls:           c.CameraControls(),
		ResetDaemons:       c.Session.ResetDaemons,
		SettleDelay:        ms(c.Session.SettleDelayMs),
		ReconnectBackoff:   ms(c.Session.ReconnectBackoffMs),
		ReconnectPause:     ms(c.Session.ReconnectPauseMs),
		EventPollTimeout:   ms(c.Session.EventPollTimeoutMs),
		PreviewRetryDelay:  ms(c.Session.PreviewRetryDelayMs),
		MaxPreviewFailures: max(c.Session.MaxPreviewFailures, 0),
		ShutdownTimeout:    ms(c.Session.ShutdownTimeoutMs),
	}
}

// CaptureConfig builds the capture protocol timings.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Controls:         c.CameraControls(),
		Deadline:         ms(c.Capture.CaptureDeadlineMs),
		Debounce:         ms(c.Capture.ReleaseDebounceMs),
		PollInterval:     ms(c.Capture.ReleasePollMs),
		PostCaptureDelay: ms(c.Capture.PostCaptureDelayMs),
		ViewfinderSettle: ms(c.Capture.ViewfinderSettleMs),
		FocusResetDelay:  ms(c.Capture.FocusResetDelayMs),
		FocusLockDelay:   ms(c.Capture.FocusLockDelayMs),
		FlashSettle:      ms(c.Capture.FlashSettleMs),
	}
}

// SimulatorConfig builds the simulated camera settings.
func (c *Config) SimulatorConfig() camera.SimulatorConfig {
	return camera.SimulatorConfig{
		Width:          c.Camera.PreviewWidth,
		Height:         c.Camera.PreviewHeight,
		FrameInterval:  ms(c.Camera.FrameIntervalMs),
		FileDelay:      ms(c.Camera.FileDelayMs),
		ReleaseControl: c.CameraControls().RemoteRelease,
	}
}

// PanelDebounce returns how long the pedal must stay pressed.
func (c *Config) PanelDebounce() time.Duration {
	return ms(c.Panel.DebounceMs)
}

// PanelPoll returns the pedal sampling interval.
func (c *Config) PanelPoll() time.Duration {
	return ms(c.Panel.PollMs)
}

// BlinkPeriod returns the LED blink period while connecting.
func (c *Config) BlinkPeriod() time.Duration {
	return ms(c.Panel.BlinkPeriodMs)
}

// ExportPeriod returns the metric export interval.
func (c *Config) ExportPeriod() time.Duration {
	return ms(c.Telemetry.ExportPeriodMs)
}

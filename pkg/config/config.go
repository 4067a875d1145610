package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal is the websocket activity feed.
	Signal struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		UpdatesPerSecond    float64       `yaml:"updates_per_second"`
		Burst               int           `yaml:"burst"`
		SendBuffer          int           `yaml:"send_buffer"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		AllowedOrigins      []string      `yaml:"allowed_origins"`
	} `yaml:"signal"`

	Capture struct {
		// Driver selects the media platform: "mediadevices" or "none".
		Driver        string `yaml:"driver"`
		VideoDeviceID string `yaml:"video_device_id"`
		AudioDeviceID string `yaml:"audio_device_id"`
		AudioOutputID string `yaml:"audio_output_id"`

		// LoopbackDeviceID is a microphone that records system output,
		// used as the audio track of tab-audio shares.
		LoopbackDeviceID string `yaml:"loopback_device_id"`

		InitialMicOn    bool `yaml:"initial_mic_on"`
		InitialCameraOn bool `yaml:"initial_camera_on"`

		// OpenOnStart acquires camera/mic when the service boots.
		OpenOnStart          bool          `yaml:"open_on_start"`
		AcquireRetries       int           `yaml:"acquire_retries"`
		AcquireRetryDelay    time.Duration `yaml:"acquire_retry_delay"`
		TabAudioReleaseDelay time.Duration `yaml:"tab_audio_release_delay"`
		SampleRate           int           `yaml:"sample_rate"`
	} `yaml:"capture"`

	Activity struct {
		Threshold             float64       `yaml:"threshold"`
		HoldTicks             int           `yaml:"hold_ticks"`
		NormalizationConstant float64       `yaml:"normalization_constant"`
		SmoothingFactor       float64       `yaml:"smoothing_factor"`
		TickInterval          time.Duration `yaml:"tick_interval"`
		FFTSize               int           `yaml:"fft_size"`
		SmoothingTimeConstant float64       `yaml:"smoothing_time_constant"`
	} `yaml:"activity"`

	Visualizer struct {
		FFTSize               int     `yaml:"fft_size"`
		SmoothingTimeConstant float64 `yaml:"smoothing_time_constant"`
		BinFraction           float64 `yaml:"bin_fraction"`
		MinBarHeight          float64 `yaml:"min_bar_height"`
	} `yaml:"visualizer"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.UpdatesPerSecond <= 0 || c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.updates_per_second and signal.burst must be > 0")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	// Capture
	switch c.Capture.Driver {
	case "mediadevices", "none":
	default:
		return fmt.Errorf("capture.driver must be one of mediadevices, none; got %q", c.Capture.Driver)
	}
	if c.Capture.AcquireRetries < 0 {
		return fmt.Errorf("capture.acquire_retries must be >= 0")
	}
	if c.Capture.TabAudioReleaseDelay < 0 {
		return fmt.Errorf("capture.tab_audio_release_delay must be >= 0")
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be > 0")
	}

	// Activity
	if c.Activity.Threshold < 0 {
		return fmt.Errorf("activity.threshold must be >= 0")
	}
	if c.Activity.HoldTicks < 0 {
		return fmt.Errorf("activity.hold_ticks must be >= 0")
	}
	if c.Activity.NormalizationConstant <= 0 {
		return fmt.Errorf("activity.normalization_constant must be > 0")
	}
	if c.Activity.SmoothingFactor <= 0 || c.Activity.SmoothingFactor > 1 {
		return fmt.Errorf("activity.smoothing_factor must be in (0, 1]")
	}
	if c.Activity.TickInterval <= 0 {
		return fmt.Errorf("activity.tick_interval must be > 0")
	}
	if !isPowerOfTwo(c.Activity.FFTSize) || c.Activity.FFTSize < 32 {
		return fmt.Errorf("activity.fft_size must be a power of two >= 32")
	}
	if c.Activity.SmoothingTimeConstant < 0 || c.Activity.SmoothingTimeConstant >= 1 {
		return fmt.Errorf("activity.smoothing_time_constant must be in [0, 1)")
	}

	// Visualizer
	if !isPowerOfTwo(c.Visualizer.FFTSize) || c.Visualizer.FFTSize < 32 {
		return fmt.Errorf("visualizer.fft_size must be a power of two >= 32")
	}
	if c.Visualizer.SmoothingTimeConstant < 0 || c.Visualizer.SmoothingTimeConstant >= 1 {
		return fmt.Errorf("visualizer.smoothing_time_constant must be in [0, 1)")
	}
	if c.Visualizer.BinFraction <= 0 || c.Visualizer.BinFraction > 1 {
		return fmt.Errorf("visualizer.bin_fraction must be in (0, 1]")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// no file: defaults plus env
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.UpdatesPerSecond = 20
	cfg.Signal.Burst = 5
	cfg.Signal.SendBuffer = 64
	cfg.Signal.MaxMessageSizeBytes = 4 * 1024
	cfg.Signal.AllowedOrigins = []string{"*"}

	cfg.Capture.Driver = "mediadevices"
	cfg.Capture.VideoDeviceID = "default"
	cfg.Capture.AudioDeviceID = "default"
	cfg.Capture.AudioOutputID = "default"
	cfg.Capture.InitialMicOn = true
	cfg.Capture.InitialCameraOn = true
	cfg.Capture.OpenOnStart = false
	cfg.Capture.AcquireRetries = 1
	cfg.Capture.AcquireRetryDelay = 200 * time.Millisecond
	cfg.Capture.TabAudioReleaseDelay = 500 * time.Millisecond
	cfg.Capture.SampleRate = 48000

	// ~0.5s hold at 60 Hz
	cfg.Activity.Threshold = 10
	cfg.Activity.HoldTicks = 30
	cfg.Activity.NormalizationConstant = 50
	cfg.Activity.SmoothingFactor = 0.15
	cfg.Activity.TickInterval = 16 * time.Millisecond
	cfg.Activity.FFTSize = 256
	cfg.Activity.SmoothingTimeConstant = 0.5

	cfg.Visualizer.FFTSize = 64
	cfg.Visualizer.SmoothingTimeConstant = 0.8
	cfg.Visualizer.BinFraction = 0.8
	cfg.Visualizer.MinBarHeight = 2

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MEDIASESSION_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("MEDIASESSION_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if driver := os.Getenv("MEDIASESSION_CAPTURE_DRIVER"); driver != "" {
		c.Capture.Driver = driver
	}
	if id := os.Getenv("MEDIASESSION_VIDEO_DEVICE_ID"); id != "" {
		c.Capture.VideoDeviceID = id
	}
	if id := os.Getenv("MEDIASESSION_AUDIO_DEVICE_ID"); id != "" {
		c.Capture.AudioDeviceID = id
	}
	if v := os.Getenv("MEDIASESSION_OPEN_ON_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Capture.OpenOnStart = b
		}
	}
	if url := os.Getenv("MEDIASESSION_JAEGER_URL"); url != "" {
		c.Tracing.Enabled = true
		c.Tracing.JaegerURL = url
	}
}

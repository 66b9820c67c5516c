package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration. Zero values are filled in by
// setDefaults, so an empty file (or no file at all) yields a runnable server.
type Config struct {
	BindAddr string `yaml:"bind_addr"`

	Ports struct {
		Control       int `yaml:"control"`
		Video         int `yaml:"video"`
		Audio         int `yaml:"audio"`
		ScreenControl int `yaml:"screen_control"`
		ScreenData    int `yaml:"screen_data"`
		File          int `yaml:"file"`
		Status        int `yaml:"status"`
	} `yaml:"ports"`

	Limits struct {
		MaxUsers           int   `yaml:"max_users"`
		MaxFileSize        int64 `yaml:"max_file_size"`
		MaxUsernameLen     int   `yaml:"max_username_len"`
		ScreenFrameCeiling int   `yaml:"screen_frame_ceiling"`
		MaxPacketSize      int   `yaml:"max_packet_size"`
	} `yaml:"limits"`

	Timing struct {
		RegisterWindow      time.Duration `yaml:"register_window"`
		EndpointGrace       time.Duration `yaml:"endpoint_grace"`
		UploadIdleWindow    time.Duration `yaml:"upload_idle_window"`
		DownloadReadyWindow time.Duration `yaml:"download_ready_window"`
		DownloadWriteWindow time.Duration `yaml:"download_write_window"`
		DeliverTimeout      time.Duration `yaml:"deliver_timeout"`
		WriteDeadline       time.Duration `yaml:"write_deadline"`
		AudioStaleHorizon   time.Duration `yaml:"audio_stale_horizon"`
	} `yaml:"timing"`

	Audio struct {
		SampleRate   int `yaml:"sample_rate"`
		ChunkSamples int `yaml:"chunk_samples"`
		Channels     int `yaml:"channels"`
	} `yaml:"audio"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Load reads the configuration from a yaml file, applies environment
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	applyEnvironmentOverrides(cfg)
	setDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func applyEnvironmentOverrides(cfg *Config) {
	if addr := os.Getenv("LANMEET_BIND_ADDR"); addr != "" {
		cfg.BindAddr = addr
	}
	if lvl := os.Getenv("LANMEET_LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if port := os.Getenv("LANMEET_CONTROL_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Ports.Control = p
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0"
	}
	if cfg.Ports.Control == 0 {
		cfg.Ports.Control = 5000
	}
	if cfg.Ports.Video == 0 {
		cfg.Ports.Video = 5001
	}
	if cfg.Ports.Audio == 0 {
		cfg.Ports.Audio = 5002
	}
	if cfg.Ports.ScreenControl == 0 {
		cfg.Ports.ScreenControl = 5003
	}
	if cfg.Ports.ScreenData == 0 {
		cfg.Ports.ScreenData = 5004
	}
	if cfg.Ports.File == 0 {
		cfg.Ports.File = 5005
	}
	if cfg.Ports.Status == 0 {
		cfg.Ports.Status = 5080
	}
	if cfg.Limits.MaxUsers == 0 {
		cfg.Limits.MaxUsers = 10
	}
	if cfg.Limits.MaxFileSize == 0 {
		cfg.Limits.MaxFileSize = 100 << 20
	}
	if cfg.Limits.MaxUsernameLen == 0 {
		cfg.Limits.MaxUsernameLen = 64
	}
	if cfg.Limits.ScreenFrameCeiling == 0 {
		cfg.Limits.ScreenFrameCeiling = 65000
	}
	if cfg.Limits.MaxPacketSize == 0 {
		cfg.Limits.MaxPacketSize = 65507
	}
	if cfg.Timing.RegisterWindow == 0 {
		cfg.Timing.RegisterWindow = 5 * time.Second
	}
	if cfg.Timing.EndpointGrace == 0 {
		cfg.Timing.EndpointGrace = 5 * time.Second
	}
	if cfg.Timing.UploadIdleWindow == 0 {
		cfg.Timing.UploadIdleWindow = 30 * time.Second
	}
	if cfg.Timing.DownloadReadyWindow == 0 {
		cfg.Timing.DownloadReadyWindow = 5 * time.Second
	}
	if cfg.Timing.DownloadWriteWindow == 0 {
		cfg.Timing.DownloadWriteWindow = 30 * time.Second
	}
	if cfg.Timing.DeliverTimeout == 0 {
		cfg.Timing.DeliverTimeout = time.Second
	}
	if cfg.Timing.WriteDeadline == 0 {
		cfg.Timing.WriteDeadline = 5 * time.Second
	}
	if cfg.Timing.AudioStaleHorizon == 0 {
		cfg.Timing.AudioStaleHorizon = time.Second
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 44100
	}
	if cfg.Audio.ChunkSamples == 0 {
		cfg.Audio.ChunkSamples = 1024
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validate(cfg *Config) error {
	if net.ParseIP(cfg.BindAddr) == nil {
		return fmt.Errorf("bind_addr is not a valid IP address: %s", cfg.BindAddr)
	}
	ports := map[string]int{
		"control":        cfg.Ports.Control,
		"video":          cfg.Ports.Video,
		"audio":          cfg.Ports.Audio,
		"screen_control": cfg.Ports.ScreenControl,
		"screen_data":    cfg.Ports.ScreenData,
		"file":           cfg.Ports.File,
		"status":         cfg.Ports.Status,
	}
	seen := make(map[int]string, len(ports))
	for name, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("port %s out of range: %d", name, p)
		}
		if other, ok := seen[p]; ok {
			return fmt.Errorf("port %s collides with %s: %d", name, other, p)
		}
		seen[p] = name
	}
	if cfg.Limits.MaxUsers < 1 {
		return fmt.Errorf("max_users must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return fmt.Errorf("only mono audio is supported")
	}
	return nil
}

// ChunkBytes is the exact PCM payload size of a valid audio datagram.
func (cfg *Config) ChunkBytes() int {
	return cfg.Audio.ChunkSamples * 2
}

// MixTick is the mixer emission period derived from the audio format.
func (cfg *Config) MixTick() time.Duration {
	return time.Duration(cfg.Audio.ChunkSamples) * time.Second / time.Duration(cfg.Audio.SampleRate)
}

func (cfg *Config) addr(port int) string {
	return net.JoinHostPort(cfg.BindAddr, strconv.Itoa(port))
}

func (cfg *Config) ControlAddr() string       { return cfg.addr(cfg.Ports.Control) }
func (cfg *Config) VideoAddr() string         { return cfg.addr(cfg.Ports.Video) }
func (cfg *Config) AudioAddr() string         { return cfg.addr(cfg.Ports.Audio) }
func (cfg *Config) ScreenControlAddr() string { return cfg.addr(cfg.Ports.ScreenControl) }
func (cfg *Config) ScreenDataAddr() string    { return cfg.addr(cfg.Ports.ScreenData) }
func (cfg *Config) FileAddr() string          { return cfg.addr(cfg.Ports.File) }
func (cfg *Config) StatusAddr() string        { return cfg.addr(cfg.Ports.Status) }

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// Defaults used when neither the config file nor the environment sets a value.
const (
	// DefaultPort is the port the websocket server listens on
	DefaultPort = 9000

	// DefaultWidth is the frame width handed to the decoder and to clients
	DefaultWidth = 352

	// DefaultHeight is the frame height handed to the decoder and to clients
	DefaultHeight = 240

	// DefaultClientLimit is the maximum number of sessions per channel
	DefaultClientLimit = 10

	// DefaultSendBuffer is the number of outbound messages queued per client
	DefaultSendBuffer = 256

	// DefaultStallTimeout is how long a running channel may go without data
	// before its decoder is killed
	DefaultStallTimeout = 20 * time.Second

	// MinStallTimeout is the shortest non-zero stall timeout accepted
	MinStallTimeout = time.Second

	// DefaultRestartAttempts is how many times an exited decoder is respawned
	DefaultRestartAttempts = 3
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Decoder DecoderConfig `yaml:"decoder"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ConnectRate     float64       `yaml:"connect_rate"`
	ConnectBurst    int           `yaml:"connect_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type RelayConfig struct {
	Width            int    `yaml:"width"`
	Height           int    `yaml:"height"`
	ClientLimit      int    `yaml:"client_limit"`
	Protocol         string `yaml:"protocol"`
	UseDiscriminator bool   `yaml:"use_discriminator"`
	SendBuffer       int    `yaml:"send_buffer"`
}

type DecoderConfig struct {
	Binary        string        `yaml:"binary"`
	RTSPTransport string        `yaml:"rtsp_transport"`
	Bitrate       string        `yaml:"bitrate"`
	FrameRate     int           `yaml:"frame_rate"`
	StallTimeout  time.Duration `yaml:"stall_timeout"`
	Restart       RestartConfig `yaml:"restart"`
}

type RestartConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// envOverrides mirrors the settings that may be overridden from the
// environment. Fields are pre-filled from the file config so that unset
// variables keep the file value.
type envOverrides struct {
	Host             string        `env:"RELAY_HOST"`
	Port             int           `env:"RELAY_PORT"`
	ConnectRate      float64       `env:"RELAY_CONNECT_RATE"`
	ConnectBurst     int           `env:"RELAY_CONNECT_BURST"`
	ShutdownTimeout  time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT"`
	Width            int           `env:"RELAY_WIDTH"`
	Height           int           `env:"RELAY_HEIGHT"`
	ClientLimit      int           `env:"RELAY_CLIENT_LIMIT"`
	Protocol         string        `env:"RELAY_PROTOCOL"`
	UseDiscriminator bool          `env:"RELAY_USE_DISCRIMINATOR"`
	SendBuffer       int           `env:"RELAY_SEND_BUFFER"`
	DecoderBinary    string        `env:"RELAY_DECODER_BINARY"`
	RTSPTransport    string        `env:"RELAY_RTSP_TRANSPORT"`
	Bitrate          string        `env:"RELAY_DECODER_BITRATE"`
	FrameRate        int           `env:"RELAY_DECODER_FRAME_RATE"`
	StallTimeout     time.Duration `env:"RELAY_STALL_TIMEOUT"`
	RestartAttempts  int           `env:"RELAY_RESTART_MAX_ATTEMPTS"`
	LogLevel         string        `env:"LOG_LEVEL"`
	LogFormat        string        `env:"LOG_FORMAT"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            DefaultPort,
			ConnectRate:     50,
			ConnectBurst:    100,
			ShutdownTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			Width:            DefaultWidth,
			Height:           DefaultHeight,
			ClientLimit:      DefaultClientLimit,
			Protocol:         "udp",
			UseDiscriminator: true,
			SendBuffer:       DefaultSendBuffer,
		},
		Decoder: DecoderConfig{
			Binary:        "ffmpeg",
			RTSPTransport: "udp",
			Bitrate:       "800k",
			FrameRate:     30,
			StallTimeout:  DefaultStallTimeout,
			Restart: RestartConfig{
				MaxAttempts:    DefaultRestartAttempts,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// an optional .env file and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Info("No config file found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	o := envOverrides{
		Host:             c.Server.Host,
		Port:             c.Server.Port,
		ConnectRate:      c.Server.ConnectRate,
		ConnectBurst:     c.Server.ConnectBurst,
		ShutdownTimeout:  c.Server.ShutdownTimeout,
		Width:            c.Relay.Width,
		Height:           c.Relay.Height,
		ClientLimit:      c.Relay.ClientLimit,
		Protocol:         c.Relay.Protocol,
		UseDiscriminator: c.Relay.UseDiscriminator,
		SendBuffer:       c.Relay.SendBuffer,
		DecoderBinary:    c.Decoder.Binary,
		RTSPTransport:    c.Decoder.RTSPTransport,
		Bitrate:          c.Decoder.Bitrate,
		FrameRate:        c.Decoder.FrameRate,
		StallTimeout:     c.Decoder.StallTimeout,
		RestartAttempts:  c.Decoder.Restart.MaxAttempts,
		LogLevel:         c.Log.Level,
		LogFormat:        c.Log.Format,
	}

	if err := env.Load(&o, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	c.Server.Host = o.Host
	c.Server.Port = o.Port
	c.Server.ConnectRate = o.ConnectRate
	c.Server.ConnectBurst = o.ConnectBurst
	c.Server.ShutdownTimeout = o.ShutdownTimeout
	c.Relay.Width = o.Width
	c.Relay.Height = o.Height
	c.Relay.ClientLimit = o.ClientLimit
	c.Relay.Protocol = o.Protocol
	c.Relay.UseDiscriminator = o.UseDiscriminator
	c.Relay.SendBuffer = o.SendBuffer
	c.Decoder.Binary = o.DecoderBinary
	c.Decoder.RTSPTransport = o.RTSPTransport
	c.Decoder.Bitrate = o.Bitrate
	c.Decoder.FrameRate = o.FrameRate
	c.Decoder.StallTimeout = o.StallTimeout
	c.Decoder.Restart.MaxAttempts = o.RestartAttempts
	c.Log.Level = o.LogLevel
	c.Log.Format = o.LogFormat
	return nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Relay.Width <= 0 || c.Relay.Height <= 0 {
		return fmt.Errorf("relay frame size must be positive, got %dx%d", c.Relay.Width, c.Relay.Height)
	}
	if c.Relay.ClientLimit < 1 {
		return fmt.Errorf("relay.client_limit must be at least 1, got %d", c.Relay.ClientLimit)
	}
	if c.Relay.Protocol != "udp" && c.Relay.Protocol != "tcp" {
		return fmt.Errorf("relay.protocol must be udp or tcp, got %q", c.Relay.Protocol)
	}
	if c.Relay.SendBuffer < 1 {
		return fmt.Errorf("relay.send_buffer must be at least 1, got %d", c.Relay.SendBuffer)
	}
	if c.Decoder.Binary == "" {
		return errors.New("decoder.binary is required")
	}
	if c.Decoder.StallTimeout != 0 && c.Decoder.StallTimeout < MinStallTimeout {
		return fmt.Errorf("decoder.stall_timeout must be 0 or at least %s, got %s", MinStallTimeout, c.Decoder.StallTimeout)
	}
	if c.Decoder.Restart.MaxAttempts < 0 {
		return fmt.Errorf("decoder.restart.max_attempts must not be negative, got %d", c.Decoder.Restart.MaxAttempts)
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Package config resolves mediaq settings from defaults, an optional YAML
// file, MEDIAQ_* environment variables and finally command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mediahttp "github.com/tanq16/mediaq/internal/downloaders/http"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/source"
	"github.com/tanq16/mediaq/internal/transfer"
	"github.com/tanq16/mediaq/internal/utils"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const DefaultFileName = "mediaq.yaml"

type Config struct {
	DataDir         string
	OutputDir       string
	Connections     int
	Parallel        bool
	MinChunkBytes   int64
	MaxChunks       int
	Retries         int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	CheckpointBytes int64
	StallThreshold  time.Duration
	Timeout         time.Duration
	KATimeout       time.Duration
	RateLimit       int64
	ProxyURL        string
	ProxyUsername   string
	ProxyPassword   string
	UserAgent       string
	Headers         map[string]string
	Muxer           string
	S3Profile       string
	PresignExpiry   time.Duration
	Auth            source.AuthConfig
	MetricsAddr     string
}

func Default() Config {
	return Config{
		DataDir:         ".mediaq",
		OutputDir:       ".",
		Connections:     4,
		Parallel:        true,
		MinChunkBytes:   transfer.DefaultMinChunkBytes,
		MaxChunks:       transfer.DefaultMaxChunks,
		Retries:         3,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      8 * time.Second,
		CheckpointBytes: 1 << 20,
		StallThreshold:  queue.DefaultStallThreshold,
		Timeout:         3 * time.Minute,
		KATimeout:       90 * time.Second,
		UserAgent:       utils.ToolUserAgent,
		Headers:         map[string]string{},
		PresignExpiry:   source.DefaultPresignExpiry,
	}
}

// Overlay is a partial configuration. Unset fields leave the value they
// are applied to untouched. Sizes accept units such as 25MiB and durations
// use Go syntax.
type Overlay struct {
	DataDir        *string            `yaml:"data_dir"`
	OutputDir      *string            `yaml:"output_dir"`
	Connections    *int               `yaml:"connections"`
	Parallel       *bool              `yaml:"parallel"`
	MinChunkSize   string             `yaml:"min_chunk_size"`
	MaxChunks      *int               `yaml:"max_chunks"`
	Retries        *int               `yaml:"retries"`
	BackoffBase    string             `yaml:"backoff_base"`
	BackoffMax     string             `yaml:"backoff_max"`
	CheckpointSize string             `yaml:"checkpoint_size"`
	StallThreshold string             `yaml:"stall_threshold"`
	Timeout        string             `yaml:"timeout"`
	KATimeout      string             `yaml:"keep_alive_timeout"`
	RateLimit      string             `yaml:"rate_limit"`
	Proxy          *string            `yaml:"proxy"`
	ProxyUsername  *string            `yaml:"proxy_username"`
	ProxyPassword  *string            `yaml:"proxy_password"`
	UserAgent      *string            `yaml:"user_agent"`
	Headers        map[string]string  `yaml:"headers"`
	Muxer          *string            `yaml:"muxer"`
	S3Profile      *string            `yaml:"s3_profile"`
	PresignExpiry  string             `yaml:"presign_expiry"`
	Auth           *source.AuthConfig `yaml:"auth"`
	MetricsAddr    *string            `yaml:"metrics_addr"`
}

// LoadFromFile reads an overlay from a YAML file. A missing file yields an
// empty overlay.
func LoadFromFile(path string) (Overlay, error) {
	var o Overlay
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return o, nil
	}
	if err != nil {
		return o, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	return o, nil
}

// LoadFromEnv reads MEDIAQ_* variables through lookup, normally os.LookupEnv.
func LoadFromEnv(lookup func(string) (string, bool)) (Overlay, error) {
	var o Overlay
	str := func(name string) *string {
		if v, ok := lookup("MEDIAQ_" + name); ok {
			return &v
		}
		return nil
	}
	raw := func(name string) string {
		v, _ := lookup("MEDIAQ_" + name)
		return v
	}
	o.DataDir = str("DATA_DIR")
	o.OutputDir = str("OUTPUT_DIR")
	o.Proxy = str("PROXY")
	o.UserAgent = str("USER_AGENT")
	o.Muxer = str("MUXER")
	o.S3Profile = str("S3_PROFILE")
	o.MetricsAddr = str("METRICS_ADDR")
	o.RateLimit = raw("RATE_LIMIT")
	o.Timeout = raw("TIMEOUT")
	if v := str("CONNECTIONS"); v != nil {
		n, err := strconv.Atoi(*v)
		if err != nil {
			return o, fmt.Errorf("invalid MEDIAQ_CONNECTIONS %q", *v)
		}
		o.Connections = &n
	}
	if v := str("PARALLEL"); v != nil {
		b, err := strconv.ParseBool(*v)
		if err != nil {
			return o, fmt.Errorf("invalid MEDIAQ_PARALLEL %q", *v)
		}
		o.Parallel = &b
	}
	if v := str("TOKEN_FILE"); v != nil {
		o.Auth = &source.AuthConfig{TokenFile: *v}
	}
	return o, nil
}

// Apply layers o over c.
func (c *Config) Apply(o Overlay) error {
	setString(&c.DataDir, o.DataDir)
	setString(&c.OutputDir, o.OutputDir)
	setString(&c.ProxyURL, o.Proxy)
	setString(&c.ProxyUsername, o.ProxyUsername)
	setString(&c.ProxyPassword, o.ProxyPassword)
	setString(&c.UserAgent, o.UserAgent)
	setString(&c.Muxer, o.Muxer)
	setString(&c.S3Profile, o.S3Profile)
	setString(&c.MetricsAddr, o.MetricsAddr)
	if o.Connections != nil {
		c.Connections = *o.Connections
	}
	if o.Parallel != nil {
		c.Parallel = *o.Parallel
	}
	if o.MaxChunks != nil {
		c.MaxChunks = *o.MaxChunks
	}
	if o.Retries != nil {
		c.Retries = *o.Retries
	}
	for k, v := range o.Headers {
		if c.Headers == nil {
			c.Headers = map[string]string{}
		}
		c.Headers[k] = v
	}
	if o.Auth != nil {
		c.Auth = *o.Auth
	}
	sizes := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"min_chunk_size", o.MinChunkSize, &c.MinChunkBytes},
		{"checkpoint_size", o.CheckpointSize, &c.CheckpointBytes},
		{"rate_limit", o.RateLimit, &c.RateLimit},
	}
	for _, s := range sizes {
		if s.raw == "" {
			continue
		}
		n, err := utils.ParseBytes(s.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.dst = n
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"backoff_base", o.BackoffBase, &c.BackoffBase},
		{"backoff_max", o.BackoffMax, &c.BackoffMax},
		{"stall_threshold", o.StallThreshold, &c.StallThreshold},
		{"timeout", o.Timeout, &c.Timeout},
		{"keep_alive_timeout", o.KATimeout, &c.KATimeout},
		{"presign_expiry", o.PresignExpiry, &c.PresignExpiry},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Load resolves defaults, then the file at path (if any), then the
// environment, and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		o, err := LoadFromFile(path)
		if err != nil {
			return c, err
		}
		if err := c.Apply(o); err != nil {
			return c, err
		}
	}
	env, err := LoadFromEnv(os.LookupEnv)
	if err != nil {
		return c, err
	}
	if err := c.Apply(env); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var problems []string
	if c.Connections < 1 || c.Connections > transfer.DefaultMaxChunks {
		problems = append(problems, fmt.Sprintf("connections must be between 1 and %d", transfer.DefaultMaxChunks))
	}
	if c.MaxChunks < 1 {
		problems = append(problems, "max_chunks must be at least 1")
	}
	if c.MinChunkBytes <= 0 {
		problems = append(problems, "min_chunk_size must be positive")
	}
	if c.Retries < 0 {
		problems = append(problems, "retries cannot be negative")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		problems = append(problems, "backoff_max must be at least backoff_base and both positive")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "rate_limit cannot be negative")
	}
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) QueuePath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

func (c Config) StateDir() string {
	return filepath.Join(c.DataDir, "transfers")
}

func (c Config) LogPath() string {
	return filepath.Join(c.DataDir, utils.LogFile)
}

func (c Config) PlanOptions() transfer.PlanOptions {
	return transfer.PlanOptions{MinChunkBytes: c.MinChunkBytes, MaxChunks: c.MaxChunks}
}

// ExecutorOptions builds executor settings. A positive RateLimit becomes a
// limiter shared by every worker of a transfer.
func (c Config) ExecutorOptions() mediahttp.Options {
	opts := mediahttp.Options{
		MaxConnections:  c.Connections,
		Retries:         c.Retries,
		BackoffBase:     c.BackoffBase,
		BackoffMax:      c.BackoffMax,
		CheckpointBytes: c.CheckpointBytes,
		BufferSize:      utils.DefaultBufferSize,
	}
	if c.RateLimit > 0 {
		burst := int(min(c.RateLimit, int64(utils.DefaultBufferSize)))
		opts.Limiter = rate.NewLimiter(rate.Limit(c.RateLimit), burst)
	}
	return opts
}

func (c Config) HTTPClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:        c.Timeout,
		KATimeout:      c.KATimeout,
		ProxyURL:       c.ProxyURL,
		ProxyUsername:  c.ProxyUsername,
		ProxyPassword:  c.ProxyPassword,
		UserAgent:      c.UserAgent,
		Headers:        c.Headers,
		HighThreadMode: c.Connections > 2,
	}
}

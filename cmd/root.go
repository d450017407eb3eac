package cmd

import (
	"fmt"
	u "net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/mediaq/internal/config"
	"github.com/tanq16/mediaq/internal/utils"
)

var (
	configPath    string
	dataDir       string
	outputDir     string
	connections   int
	noParallel    bool
	timeout       time.Duration
	kaTimeout     time.Duration
	userAgent     string
	proxyURL      string
	proxyUsername string
	proxyPassword string
	headers       []string
	rateLimit     string
	muxerPath     string
	s3Profile     string
	debug         bool

	// cfg is resolved once per invocation before any subcommand runs.
	cfg config.Config
)

var MediaqVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "mediaq",
	Short:         "Mediaq is a resumable media download queue",
	Version:       MediaqVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug, "")
		c, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

// resolveConfig layers changed command line flags over the file and
// environment configuration.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultFileName
	} else if _, err := os.Stat(path); err != nil {
		return config.Config{}, fmt.Errorf("config file: %w", err)
	}
	c, err := config.Load(path)
	if err != nil {
		return c, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		c.DataDir = dataDir
	}
	if flags.Changed("output-dir") {
		c.OutputDir = outputDir
	}
	if flags.Changed("connections") {
		c.Connections = connections
	}
	if noParallel {
		c.Parallel = false
	}
	if flags.Changed("timeout") {
		c.Timeout = timeout
	}
	if flags.Changed("keep-alive-timeout") {
		c.KATimeout = kaTimeout
	}
	if flags.Changed("user-agent") {
		c.UserAgent = userAgent
	}
	if flags.Changed("proxy") {
		c.ProxyURL = proxyURL
	}
	if flags.Changed("proxy-username") {
		c.ProxyUsername = proxyUsername
	}
	if flags.Changed("proxy-password") {
		c.ProxyPassword = proxyPassword
	}
	if flags.Changed("rate-limit") {
		n, err := utils.ParseBytes(rateLimit)
		if err != nil {
			return c, fmt.Errorf("rate-limit: %w", err)
		}
		c.RateLimit = n
	}
	if flags.Changed("muxer") {
		c.Muxer = muxerPath
	}
	if flags.Changed("s3-profile") {
		c.S3Profile = s3Profile
	}
	for k, v := range utils.ParseHeaderArgs(headers) {
		c.Headers[k] = v
	}
	if c.UserAgent == "randomize" {
		c.UserAgent = utils.GetRandomUserAgent()
	}
	// Check if proxy URL contains auth
	parsedProxy, err := u.Parse(c.ProxyURL)
	if c.ProxyURL != "" && err == nil && parsedProxy.User != nil && c.ProxyUsername == "" {
		c.ProxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			c.ProxyPassword = password
		}
		parsedProxy.User = nil
		c.ProxyURL = parsedProxy.String()
	}
	return c, c.Validate()
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file (default ./"+config.DefaultFileName+" if present)")
	flags.StringVar(&dataDir, "data-dir", "", "Directory for the queue database, resume records and logs")
	flags.StringVarP(&outputDir, "output-dir", "d", "", "Directory for downloads without an explicit output path")
	flags.IntVarP(&connections, "connections", "c", 4, "Number of connections per download (above 2 enables high-thread-mode)")
	flags.BoolVar(&noParallel, "no-parallel", false, "Disable ranged multi-connection downloads")
	flags.DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "Connection timeout (eg. 5s, 10m)")
	flags.DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent (use 'randomize' for a browser agent)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.StringVar(&rateLimit, "rate-limit", "", "Bandwidth cap per download (eg. 2MiB)")
	flags.StringVar(&muxerPath, "muxer", "", "Muxing tool for streaming manifests (ffmpeg, yt-dlp or a path)")
	flags.StringVar(&s3Profile, "s3-profile", "", "AWS profile used to presign s3:// sources")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newAddCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newCleanCmd())
}

package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

var (
	// ErrIdentityRequired is returned when TLS is enabled without a PKCS#12 identity.
	ErrIdentityRequired = errors.New("tls identity required, specify identity or disable https")
	// ErrListenRequired is returned when no listen address is configured.
	ErrListenRequired = errors.New("listen address required")
	// ErrUpstreamRequired is returned when no upstream address is configured.
	ErrUpstreamRequired = errors.New("upstream address required")
)

// Config type
type Config struct {
	Version  string
	LogLevel string

	Server bool
	Client bool

	Listen   string
	Upstream string

	NoTLS     bool `toml:"nohttps"`
	Identity  string
	Password  string
	TLSReload bool
	BindDOH3  string

	API string

	AccessList      []string
	AccessLog       string
	ClientRateLimit int

	Timeout      Duration
	ReadTimeout  Duration
	WriteTimeout Duration

	sVersion string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// TLSEnabled reports whether the DoH listener terminates TLS.
func (c *Config) TLSEnabled() bool {
	return !c.NoTLS
}

// Validate checks the values the proxy core needs at startup.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return ErrListenRequired
	}

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}

	if c.Upstream == "" {
		return ErrUpstreamRequired
	}

	if _, err := netip.ParseAddrPort(c.Upstream); err != nil {
		return fmt.Errorf("invalid upstream address %q: %w", c.Upstream, err)
	}

	if c.TLSEnabled() && c.Identity == "" {
		return ErrIdentityRequired
	}

	if c.ClientRateLimit < 0 {
		return fmt.Errorf("invalid client rate limit %d", c.ClientRateLimit)
	}

	return nil
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText for duration type
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# What kind of information should be logged, Log verbosity level [error,warn,info,debug]
loglevel = "info"

# Accept DoH requests and forward them to the upstream DNS server
server = true

# Address to bind to for the DoH server
listen = ":443"

# Upstream DNS server, ipv4 or ipv6 address with port. Example: "[2606:4700:4700::1111]:53"
upstream = "1.1.1.1:53"

# Disable HTTPS and accept plain HTTP requests
nohttps = false

# The path of TLS identity in PKCS#12 format
# identity = "server.p12"

# The password of TLS identity
# password = ""

# Reload the TLS identity when the file changes
tlsreload = false

# Address to bind to for the DNS-over-HTTP/3 server, left blank for disabled
# binddoh3 = ":443"

# Address to bind to for the http API server (metrics, health), left blank for disabled
# api = "127.0.0.1:8080"

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# The location of access log file, left blank for disabled. Common Log Format is used.
# accesslog = ""

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# Upstream exchange timeout, 0 waits forever
timeout = "5s"

# HTTP read and write timeouts
readtimeout = "30s"
writetimeout = "30s"
`

// Default return a config with the built-in values, without reading any file
func Default(version string) *Config {
	return &Config{
		Version:      configver,
		LogLevel:     "info",
		AccessList:   []string{"0.0.0.0/0", "::0/0"},
		Timeout:      Duration{5 * time.Second},
		ReadTimeout:  Duration{30 * time.Second},
		WriteTimeout: Duration{30 * time.Second},
		sVersion:     version,
	}
}

// Load loads the given config file, a missing file is generated with the defaults.
// An empty path returns the defaults.
func Load(cfgfile, version string) (*Config, error) {
	config := Default(version)

	if cfgfile == "" {
		return config, nil
	}

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	return config, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dohproxy/dohproxy/api"
	"github.com/dohproxy/dohproxy/config"
	"github.com/dohproxy/dohproxy/server"
)

const version = "0.1.0"

var (
	errClientMode = errors.New("client mode is not implemented")
	errNoMode     = errors.New("must specify either --server or --client")

	runServer = run
)

type flags struct {
	cfgpath  string
	server   bool
	client   bool
	listen   string
	upstream string
	noTLS    bool
	identity string
	password string
	timeout  config.Duration
}

func newRootCmd() *cobra.Command {
	f := new(flags)

	cmd := &cobra.Command{
		Use:           "dohproxy",
		Short:         "DNS over HTTPS proxy",
		Example:       "dohproxy --server -l :443 -u 1.1.1.1:53 -i server.p12 -p secret",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), f)
			if err != nil {
				return err
			}

			setupLogging(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.cfgpath, "config", "c", "", "location of the config file, if config file not found, a config will generate")
	fs.BoolVar(&f.server, "server", false, "Accept HTTPS request and forward to DNS server")
	fs.BoolVar(&f.client, "client", false, "Accept DNS requests and forward to DoH server")
	fs.StringVarP(&f.listen, "listen", "l", "", "Listen address")
	fs.StringVarP(&f.upstream, "upstream", "u", "", "Upstream address")
	fs.BoolVar(&f.noTLS, "no-https", false, "Disable HTTPS and accept plain HTTP requests")
	fs.StringVarP(&f.identity, "identity", "i", "", "The path of TLS identity in PKCS#12 format")
	fs.StringVarP(&f.password, "password", "p", "", "The password of TLS identity")
	fs.DurationVar(&f.timeout.Duration, "timeout", config.Default(version).Timeout.Duration, "Upstream exchange timeout, 0 waits forever")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "dohproxy v"+version)
		},
	})

	return cmd
}

// loadConfig reads the config file and applies the flags given on the command line.
func loadConfig(fs *pflag.FlagSet, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.cfgpath, version)
	if err != nil {
		return nil, err
	}

	if fs.Changed("server") {
		cfg.Server = f.server
	}
	if fs.Changed("client") {
		cfg.Client = f.client
	}
	if fs.Changed("listen") {
		cfg.Listen = f.listen
	}
	if fs.Changed("upstream") {
		cfg.Upstream = f.upstream
	}
	if fs.Changed("no-https") {
		cfg.NoTLS = f.noTLS
	}
	if fs.Changed("identity") {
		cfg.Identity = f.identity
	}
	if fs.Changed("password") {
		cfg.Password = f.password
	}
	if fs.Changed("timeout") {
		cfg.Timeout = f.timeout
	}

	switch {
	case cfg.Server:
	case cfg.Client:
		return nil, errClientMode
	default:
		return nil, errNoMode
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setupLogging(level string) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}

	zlog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handlers, err := server.Handlers(cfg, reg)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, handlers)
	if err != nil {
		return err
	}

	zlog.Info("Starting dohproxy...", "version", version)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return api.New(cfg, reg).Run(ctx)
	})

	err = g.Wait()

	zlog.Info("Stopping dohproxy...")

	return err
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := newRootCmd().Execute(); err != nil {
		zlog.Error("dohproxy failed", "error", err.Error())
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/tera-insights/xferd/internal/access"
	"github.com/tera-insights/xferd/internal/config"
	"github.com/tera-insights/xferd/internal/rootfs"
	"github.com/tera-insights/xferd/internal/sftpd"
)

type options struct {
	Config string `short:"c" long:"config" env:"CONFIG" description:"path to TOML configuration file"`
	Root   string `short:"r" long:"root" env:"ROOT_DIR" description:"root directory to serve"`
	Bind   string `short:"b" long:"bind" env:"BIND_ADDR" description:"address to listen on"`
	Port   int    `short:"p" long:"port" env:"PORT" description:"override the TCP port"`

	HostKey        string `long:"host-key" env:"HOST_KEY" description:"SSH host key file path"`
	AuthorizedKeys string `long:"authorized-keys" env:"AUTHORIZED_KEYS" description:"public key authentication file path"`
	MaxConnections int    `long:"max-connections" env:"MAX_CONNECTIONS" description:"max concurrent sessions per user"`
	Timeout        int    `long:"timeout" env:"TIMEOUT" description:"operation timeout in seconds"`

	Version bool `short:"v" long:"version" env:"VERSION" description:"show version and exit"`
	Dbg     bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var opts options

func main() {
	fmt.Printf("sftpd %s\n", versionInfo())
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		if !errors.Is(err.(*flags.Error).Type, flags.ErrHelp) {
			fmt.Printf("%v", err)
		}
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	if opts.Version {
		fmt.Printf("version: %s\n", versionInfo())
		os.Exit(0)
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := runServer(ctx, &opts); err != nil {
		log.Printf("[ERROR] sftpd failed: %v", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.AuthorizedKeysPath == "" {
		return fmt.Errorf("an authorized keys file (--authorized-keys) is required")
	}
	if cfg.HostKeyPath == "" {
		cfg.HostKeyPath = "xferd_host_key"
	}

	resolver, err := rootfs.New(cfg.RootDir)
	if err != nil {
		return fmt.Errorf("resolve root directory: %w", err)
	}
	keys, err := access.LoadKeyStore(cfg.AuthorizedKeysPath)
	if err != nil {
		return err
	}
	if keys.Len() == 0 {
		return fmt.Errorf("no usable keys in %s", cfg.AuthorizedKeysPath)
	}

	srv := &sftpd.Server{
		Addr:        cfg.BindAddr,
		HostKeyPath: cfg.HostKeyPath,
		Resolver:    resolver,
		Keys:        keys,
		Limiter:     access.NewRateLimiter(cfg.Auth.MaxAttempts, cfg.AuthWindow(), cfg.AuthLockout()),
		Tracker:     access.NewTracker(cfg.Auth.MaxConcurrentPerUser),
	}
	return srv.Run(ctx)
}

// loadConfig reads the TOML file when given, then lays the explicit flag
// overrides over it.
func loadConfig(opts *options) (config.Config, error) {
	cfg := config.Default()
	cfg.BindAddr = "[::]:2022" // sftpd default differs from the TFTP port
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return config.Config{}, err
		}
	}

	if opts.Root != "" {
		cfg.RootDir = opts.Root
	}
	if opts.Bind != "" {
		cfg.BindAddr = opts.Bind
	}
	if opts.Port != 0 {
		host, _, err := net.SplitHostPort(cfg.BindAddr)
		if err != nil {
			return config.Config{}, fmt.Errorf("cannot apply port override to %q: %w", cfg.BindAddr, err)
		}
		cfg.BindAddr = net.JoinHostPort(host, strconv.Itoa(opts.Port))
	}
	if opts.HostKey != "" {
		cfg.HostKeyPath = opts.HostKey
	}
	if opts.AuthorizedKeys != "" {
		cfg.AuthorizedKeysPath = opts.AuthorizedKeys
	}
	if opts.MaxConnections != 0 {
		cfg.Auth.MaxConcurrentPerUser = opts.MaxConnections
	}
	if opts.Timeout != 0 {
		cfg.TimeoutSecs = opts.Timeout
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func versionInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		version := info.Main.Version
		if version == "" {
			version = "dev"
		}
		return version
	}
	return "unknown"
}

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}

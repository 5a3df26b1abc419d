// httpdirfs mounts an HTTP directory listing (Apache, nginx and similar
// autoindex pages) as a read-only filesystem.
//
// Sub-commands:
//
//	httpdirfs [options] URL mount_point   Mount the listing (default)
//	httpdirfs cache-status [--cache-dir]  Show block cache usage
//	httpdirfs cache-clear [--cache-dir]   Remove every cached block
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/httpdirfs/httpdirfs/internal/bridge"
	"github.com/httpdirfs/httpdirfs/internal/cache"
	"github.com/httpdirfs/httpdirfs/internal/client"
	"github.com/httpdirfs/httpdirfs/internal/config"
	"github.com/httpdirfs/httpdirfs/internal/logging"
	"github.com/httpdirfs/httpdirfs/internal/metrics"
	"github.com/httpdirfs/httpdirfs/internal/mount/cgofuse"
	"github.com/httpdirfs/httpdirfs/internal/mount/gofuse"
	"github.com/httpdirfs/httpdirfs/internal/remote"
	"github.com/httpdirfs/httpdirfs/internal/tree"
)

const version = "0.3.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "cache-status":
			os.Exit(cmdCacheStatus(os.Args[2:], os.Stdout))
		case "cache-clear":
			os.Exit(cmdCacheClear(os.Args[2:], os.Stdout))
		}
	}
	os.Exit(cmdMount(os.Args[1:]))
}

func cmdMount(args []string) int {
	cfg, err := parseArgs(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if errors.Is(err, errVersion) {
		fmt.Printf("httpdirfs %s\n", version)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "httpdirfs: %v\n", err)
		return 1
	}

	if cfg.HTTP.Username != "" && cfg.HTTP.Password == "" && term.IsTerminal(int(syscall.Stdin)) {
		fmt.Fprintf(os.Stderr, "Password for %s: ", cfg.HTTP.Username)
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "httpdirfs: read password: %v\n", err)
			return 1
		}
		cfg.HTTP.Password = string(password)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "httpdirfs: init logging: %v\n", err)
		return 1
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("httpdirfs failed", logging.Err(err))
		return 1
	}
	return 0
}

// mountedFS is a running mount of either backend.
type mountedFS interface {
	Unmount() error
	Wait()
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Info("starting httpdirfs",
		logging.String("version", version),
		logging.URL(cfg.URL),
		logging.Path(cfg.Mountpoint),
		logging.String("backend", cfg.Mount.Backend),
	)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logging.Error("metrics server stopped", logging.Err(err))
			}
		}()
	}

	httpClient, err := client.New(client.Config{
		Timeout:     cfg.HTTP.Timeout,
		RetryConfig: cfg.HTTP.Retry,
		Username:    cfg.HTTP.Username,
		Password:    cfg.HTTP.Password,
		UserAgent:   cfg.HTTP.UserAgent,
		ProxyURL:    cfg.HTTP.Proxy,
		InsecureTLS: cfg.HTTP.InsecureTLS,
		MaxConns:    cfg.HTTP.MaxConns,
	})
	if err != nil {
		return err
	}

	t := tree.New(cfg.URL, remote.NewLister(httpClient, cfg.HTTP.MaxConcurrentHeads))
	if err := t.Init(ctx); err != nil {
		return err
	}

	var readerOpts []remote.ReaderOption
	if cfg.Cache.Enabled {
		blocks, err := cache.New(cfg.Cache.Dir, cfg.Cache.MaxSize)
		if err != nil {
			return err
		}
		size, _, count := blocks.Stats()
		logging.Info("block cache ready",
			logging.Path(blocks.Dir()),
			logging.Int64("bytes", size),
			logging.Int("blocks", count),
		)
		readerOpts = append(readerOpts, remote.WithCache(blocks, cfg.Cache.BlockSize))
	}
	reader := remote.NewReader(t, httpClient, readerOpts...)

	fsys := bridge.New(t, reader, bridge.WithOwner(uint32(os.Getuid()), uint32(os.Getgid())))

	var server mountedFS
	switch cfg.Mount.Backend {
	case config.BackendCgoFuse:
		server, err = cgofuse.Mount(cfg.Mountpoint, fsys, cgofuse.Options{
			FsName:     cfg.URL,
			AllowOther: cfg.Mount.AllowOther,
			Debug:      cfg.Mount.Debug,
		})
	default:
		server, err = gofuse.Mount(cfg.Mountpoint, fsys, gofuse.Options{
			FsName:     cfg.URL,
			AllowOther: cfg.Mount.AllowOther,
			Debug:      cfg.Mount.Debug,
		})
	}
	if err != nil {
		return err
	}

	logging.Info("filesystem mounted, press Ctrl+C to unmount", logging.Path(cfg.Mountpoint))

	unmounted := make(chan struct{})
	go func() {
		server.Wait()
		close(unmounted)
	}()

	select {
	case <-unmounted:
		logging.Info("unmounted externally")
		return nil
	case <-ctx.Done():
	}

	logging.Info("unmounting")
	if err := server.Unmount(); err != nil {
		return fmt.Errorf("unmount %s: %w", cfg.Mountpoint, err)
	}
	<-unmounted
	logging.Info("done")
	return nil
}

var errVersion = errors.New("version requested")

// parseArgs builds the configuration for a mount from the config file,
// the environment and the command line, in increasing precedence.
func parseArgs(args []string, stderr io.Writer) (*config.Config, error) {
	flags := pflag.NewFlagSet("httpdirfs", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: httpdirfs [options] URL mount_point\n\noptions:\n%s", flags.FlagUsages())
	}

	configPath := flags.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML configuration file")
	username := flags.StringP("username", "u", "", "HTTP basic auth username")
	password := flags.StringP("password", "p", "", "HTTP basic auth password (prompted when omitted)")
	userAgent := flags.String("user-agent", "", "User-Agent header")
	proxy := flags.String("proxy", "", "proxy URL")
	insecure := flags.Bool("insecure-tls", false, "skip TLS certificate verification")
	timeout := flags.Duration("timeout", 0, "HTTP request timeout")
	retries := flags.Int("retries", 0, "attempts per HTTP request")
	maxConns := flags.Int("max-conns", 0, "maximum connections to the server")
	useCache := flags.Bool("cache", false, "cache file content on disk")
	cacheDir := flags.String("cache-dir", "", "block cache directory")
	maxCache := flags.Int64("max-cache-size", 0, "block cache size limit in bytes")
	blockSize := flags.Int64("block-size", 0, "block cache unit in bytes")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: console or json")
	metricsAddr := flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	backend := flags.String("backend", "", "FUSE backend: gofuse or cgofuse")
	mountOpts := flags.StringSliceP("options", "o", nil, "mount options (allow_other)")
	debug := flags.BoolP("debug", "d", false, "log every FUSE request")
	flags.BoolP("foreground", "f", false, "stay in the foreground (always on)")
	showVersion := flags.BoolP("version", "V", false, "print version and exit")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		return nil, errVersion
	}

	if flags.NArg() < 2 {
		flags.Usage()
		return nil, errors.New("missing URL or mount point")
	}
	if flags.NArg() > 2 {
		flags.Usage()
		return nil, fmt.Errorf("unexpected argument: %s", flags.Arg(2))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	cfg.URL = flags.Arg(0)
	cfg.Mountpoint = flags.Arg(1)

	changed := flags.Changed
	if changed("username") {
		cfg.HTTP.Username = *username
	}
	if changed("password") {
		cfg.HTTP.Password = *password
	}
	if changed("user-agent") {
		cfg.HTTP.UserAgent = *userAgent
	}
	if changed("proxy") {
		cfg.HTTP.Proxy = *proxy
	}
	if changed("insecure-tls") {
		cfg.HTTP.InsecureTLS = *insecure
	}
	if changed("timeout") {
		cfg.HTTP.Timeout = *timeout
	}
	if changed("retries") {
		cfg.HTTP.Retry.MaxAttempts = *retries
	}
	if changed("max-conns") {
		cfg.HTTP.MaxConns = *maxConns
	}
	if changed("cache") {
		cfg.Cache.Enabled = *useCache
	}
	if changed("cache-dir") {
		cfg.Cache.Dir = *cacheDir
	}
	if changed("max-cache-size") {
		cfg.Cache.MaxSize = *maxCache
	}
	if changed("block-size") {
		cfg.Cache.BlockSize = *blockSize
	}
	if changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if changed("backend") {
		cfg.Mount.Backend = *backend
	}
	if changed("debug") {
		cfg.Mount.Debug = *debug
	}
	for _, opt := range *mountOpts {
		switch opt {
		case "allow_other":
			cfg.Mount.AllowOther = true
		case "ro", "":
		default:
			return nil, fmt.Errorf("unsupported mount option %q", opt)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func cacheFlags(name string, args []string) (string, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	dir := flags.String("cache-dir", config.DefaultCacheDir(), "block cache directory")
	if err := flags.Parse(args); err != nil {
		return "", err
	}
	return *dir, nil
}

func cmdCacheStatus(args []string, out io.Writer) int {
	dir, err := cacheFlags("cache-status", args)
	if err != nil {
		return 1
	}
	c, err := cache.New(dir, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	size, _, count := c.Stats()
	fmt.Fprintf(out, "Cache directory: %s\n", c.Dir())
	fmt.Fprintf(out, "Blocks:          %d\n", count)
	fmt.Fprintf(out, "Size:            %s\n", formatBytes(size))
	if blocks := c.List(); len(blocks) > 0 {
		fmt.Fprintf(out, "Oldest access:   %s\n", blocks[0].LastAccess.Format(time.DateTime))
		fmt.Fprintf(out, "Newest access:   %s\n", blocks[len(blocks)-1].LastAccess.Format(time.DateTime))
	}
	return 0
}

func cmdCacheClear(args []string, out io.Writer) int {
	dir, err := cacheFlags("cache-clear", args)
	if err != nil {
		return 1
	}
	c, err := cache.New(dir, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	n := c.Clear()
	fmt.Fprintf(out, "Removed %d blocks from %s\n", n, c.Dir())
	return 0
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

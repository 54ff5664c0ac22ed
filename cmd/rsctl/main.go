// Command rsctl searches and exports platform data from the command line.
//
// Usage:
//
//	rsctl <command> [flags] [args]
//
// Settings come from rsctl.yaml, RS_* environment variables and flags.
// Export jobs are recorded in Redis when redis.addr is set, which enables
// the exports and export-resume commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/Sternrassler/risksense-client/internal/config"
	"github.com/Sternrassler/risksense-client/pkg/client"
	"github.com/Sternrassler/risksense-client/pkg/jobstore"
	"github.com/Sternrassler/risksense-client/pkg/logging"
	"github.com/Sternrassler/risksense-client/pkg/metrics"
	"github.com/Sternrassler/risksense-client/pkg/platform"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// env is what a command runs against.
type env struct {
	cfg      config.Config
	platform *platform.Platform
	store    *jobstore.Store // nil without redis.addr
	stdout   io.Writer
	logger   zerolog.Logger
}

// command is one rsctl subcommand.
type command struct {
	name  string
	args  string
	short string
	flags func(fs *flag.FlagSet)
	exec  func(ctx context.Context, e *env, fs *flag.FlagSet, args []string) error
}

var errUsage = errors.New("usage")

func commands() map[string]*command {
	cmds := []*command{
		searchCommand(),
		pageInfoCommand(),
		filterFieldsCommand(),
		exportCommand(),
		exportResumeCommand(),
		exportsCommand(),
	}
	m := make(map[string]*command, len(cmds))
	for _, c := range cmds {
		m[c.name] = c
	}
	return m
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmds := commands()
	if len(args) == 0 {
		printUsage(stderr, cmds)
		return exitUsage
	}
	switch args[0] {
	case "-h", "--help", "help":
		printUsage(stdout, cmds)
		return exitOK
	}

	cmd, ok := cmds[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "rsctl: unknown command %q\n\n", args[0])
		printUsage(stderr, cmds)
		return exitUsage
	}

	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file (default ./rsctl.yaml)")
	addCommonFlags(fs)
	if cmd.flags != nil {
		cmd.flags(fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printCommandUsage(stdout, cmd, fs)
			return exitOK
		}
		fmt.Fprintf(stderr, "rsctl %s: %v\n", cmd.name, err)
		printCommandUsage(stderr, cmd, fs)
		return exitUsage
	}

	cfg, err := config.Load(*configPath, fs)
	if err != nil {
		fmt.Fprintf(stderr, "rsctl: %v\n", err)
		return exitError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "rsctl: invalid configuration:\n%v\n", err)
		return exitError
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "rsctl: %v\n", err)
		return exitError
	}
	logging.Setup(logging.Config{Level: level, Pretty: cfg.Log.Pretty, Output: stderr})
	logger := logging.NewLogger(logging.ComponentCLI)

	if cfg.Metrics.Addr != "" {
		shutdown := serveMetrics(cfg.Metrics.Addr, logger)
		defer shutdown()
	}

	e, closeEnv, err := newEnv(ctx, cfg, stdout, logger)
	if err != nil {
		fmt.Fprintf(stderr, "rsctl: %v\n", err)
		return exitError
	}
	defer closeEnv()

	if err := cmd.exec(ctx, e, fs, fs.Args()); err != nil {
		if errors.Is(err, errUsage) {
			printCommandUsage(stderr, cmd, fs)
			return exitUsage
		}
		fmt.Fprintf(stderr, "rsctl %s: %v\n", cmd.name, err)
		return exitError
	}
	return exitOK
}

func addCommonFlags(fs *flag.FlagSet) {
	fs.String("base-url", "", "platform base URL")
	fs.String("api-key", "", "platform API key")
	fs.Int("client-id", 0, "platform client ID")
	fs.Duration("timeout", 0, "HTTP request timeout")
	fs.String("redis-addr", "", "Redis address for the export job store")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Bool("pretty", false, "human-readable logs")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

func newEnv(ctx context.Context, cfg config.Config, stdout io.Writer, logger zerolog.Logger) (*env, func(), error) {
	c, err := client.New(cfg.ClientConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}

	opts := []platform.Option{
		platform.WithPagination(cfg.PaginationConfig()),
		platform.WithPollConfig(cfg.PollConfig()),
	}

	closeEnv := func() {}
	var store *jobstore.Store
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Debug().Str("addr", cfg.Redis.Addr).Msg("Connected to job store")

		store = jobstore.NewStore(rdb)
		opts = append(opts, platform.WithRecorder(store))
		closeEnv = func() { _ = rdb.Close() }
	}

	return &env{
		cfg:      cfg,
		platform: platform.New(c, cfg.Platform.ClientID, opts...),
		store:    store,
		stdout:   stdout,
		logger:   logger,
	}, closeEnv, nil
}

func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printUsage(w io.Writer, cmds map[string]*command) {
	fmt.Fprintln(w, "Usage: rsctl <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, cmds[name].short)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'rsctl <command> --help' for command flags.")
}

func printCommandUsage(w io.Writer, cmd *command, fs *flag.FlagSet) {
	fmt.Fprintf(w, "Usage: rsctl %s [flags] %s\n\n%s\n\nFlags:\n", cmd.name, cmd.args, cmd.short)
	fmt.Fprint(w, fs.FlagUsages())
}

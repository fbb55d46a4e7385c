package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/warplock/v1/lock"
	"github.com/mirkobrombin/warplock/v1/metrics"
	"github.com/mirkobrombin/warplock/v1/presets"
	"github.com/mirkobrombin/warplock/v1/server"
)

type config struct {
	addr             string
	redisAddr        string
	redisPassword    string
	redisDB          int
	bus              string
	natsURL          string
	kafkaBrokers     string
	logLevel         string
	logFormat        string
	cooldown         time.Duration
	watchdogInterval time.Duration
	watchdogTTL      time.Duration
}

func parseFlags(args []string) (config, error) {
	var c config
	fs := flag.NewFlagSet("warplock", flag.ContinueOnError)
	fs.StringVar(&c.addr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&c.redisAddr, "redis-addr", "localhost:6379", "Redis address")
	fs.StringVar(&c.redisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.redisDB, "redis-db", 0, "Redis database")
	fs.StringVar(&c.bus, "bus", presets.BusRedis, "lock event bus: memory, redis, nats or kafka")
	fs.StringVar(&c.natsURL, "nats-url", "", "NATS server URL")
	fs.StringVar(&c.kafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&c.logFormat, "log-format", "text", "text or json")
	fs.DurationVar(&c.cooldown, "cooldown", 30*time.Second, "circuit breaker cool-down")
	fs.DurationVar(&c.watchdogInterval, "watchdog-interval", lock.DefaultWatchdogInterval, "watchdog sweep interval")
	fs.DurationVar(&c.watchdogTTL, "watchdog-ttl", lock.DefaultWatchdogTTL, "TTL applied by watchdog renewals")
	if err := applyEnv(fs); err != nil {
		return c, err
	}
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, nil
}

// applyEnv seeds every flag from WARPLOCK_<NAME>, e.g. WARPLOCK_REDIS_ADDR.
// Flags given on the command line still win.
func applyEnv(fs *flag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		name := "WARPLOCK_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if v, ok := os.LookupEnv(name); ok && err == nil {
			if setErr := f.Value.Set(v); setErr != nil {
				err = fmt.Errorf("%s: %w", name, setErr)
			}
		}
	})
	return err
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(ctx context.Context, c config, logger *slog.Logger) error {
	stack, err := presets.NewRedisResilient(presets.RedisOptions{
		Addr:             c.redisAddr,
		Password:         c.redisPassword,
		DB:               c.redisDB,
		Bus:              c.bus,
		NATSURL:          c.natsURL,
		KafkaBrokers:     splitList(c.kafkaBrokers),
		Cooldown:         c.cooldown,
		WatchdogInterval: c.watchdogInterval,
		WatchdogTTL:      c.watchdogTTL,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	reg := metrics.NewRegistry()
	metrics.RegisterLockMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", server.New(stack.Locker,
		server.WithBus(stack.Bus),
		server.WithHealth(stack.Healthy),
		server.WithLogger(logger),
	))
	srv := &http.Server{
		Addr:              c.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stack.Watchdog.Start(ctx)
		<-ctx.Done()
		stack.Watchdog.Stop()
		return nil
	})
	g.Go(func() error {
		logger.Info("warplock: listening", "addr", c.addr, "redis", c.redisAddr, "bus", c.bus)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.Info("warplock: shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	c, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := newLogger(c.logLevel, c.logFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, c, logger); err != nil {
		logger.Error("warplock: exited", "error", err)
		os.Exit(1)
	}
}

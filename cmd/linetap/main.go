package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"linetap/internal/bus"
	"linetap/internal/config"
	"linetap/internal/producer"
	"linetap/internal/runtime/supervisor"
	"linetap/internal/server"
	"linetap/internal/stats"
	"linetap/internal/wire"
	"linetap/pkg/logx"
)

func main() {
	defaults := config.Default()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to config file (json or yaml)")

	listen := flag.String("listen", defaults.Listen, "listen address: tcp://host:port, unix:///path, unix://@name or systemd")
	queue := flag.Int("q", defaults.Queue, "per-client queue capacity (records)")
	policy := flag.String("policy", defaults.Policy, "overflow policy: drop, backpressure or disconnect")
	backpressure := flag.Bool("backpressure", false, "shorthand for -policy backpressure")
	disconnect := flag.Bool("disconnect-on-overruns", false, "shorthand for -policy disconnect")
	announce := flag.Bool("x", defaults.Announce, "inject announcement records (overruns, backpressure, EOF)")
	timestamps := flag.Bool("t", defaults.Timestamps, "prefix records with elapsed monotonic timestamps")
	seqn := flag.Bool("seqn", defaults.SeqNums, "prefix data records with sequence numbers")
	zero := flag.Bool("0", defaults.ZeroSeparated, "separate records by NUL instead of newline")
	maxLine := flag.Int("max-line-size", defaults.MaxLineSize, "force-split lines longer than this")
	tee := flag.Bool("T", defaults.Tee, "also copy input to stdout")
	history := flag.Int("history", defaults.History, "replay this many recent records to each new client")
	hello := flag.String("hello", defaults.Hello, "hello text sent once per connection (empty disables)")
	helloDefault := flag.Bool("H", false, "send the default hello text ("+wire.DefaultHello+")")
	requireObserver := flag.Bool("require-observer", defaults.RequireObserver, "do not read input unless a client is connected")
	statsInterval := flag.String("stats", defaults.StatsInterval, "cron spec for periodic stats logging, e.g. '@every 30s' (empty disables)")
	logLevel := flag.String("log-level", defaults.Log.Level, "log level: trace, debug, info, warn, error")
	flag.Parse()

	if *backpressure && *disconnect {
		fmt.Fprintln(os.Stderr, "fatal: -backpressure and -disconnect-on-overruns are mutually exclusive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := defaults
	var mgr *config.Manager
	if cfgPath != "" {
		mgr = config.NewManager(cfgPath)
		loaded, err := mgr.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal: config:", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	// Explicitly passed flags win over file values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "q":
			cfg.Queue = *queue
		case "policy":
			cfg.Policy = *policy
		case "backpressure":
			if *backpressure {
				cfg.Policy = "backpressure"
			}
		case "disconnect-on-overruns":
			if *disconnect {
				cfg.Policy = "disconnect"
			}
		case "x":
			cfg.Announce = *announce
		case "t":
			cfg.Timestamps = *timestamps
		case "seqn":
			cfg.SeqNums = *seqn
		case "0":
			cfg.ZeroSeparated = *zero
		case "max-line-size":
			cfg.MaxLineSize = *maxLine
		case "T":
			cfg.Tee = *tee
		case "history":
			cfg.History = *history
		case "hello":
			cfg.Hello = *hello
		case "H":
			if *helloDefault && cfg.Hello == "" {
				cfg.Hello = wire.DefaultHello
			}
		case "require-observer":
			cfg.RequireObserver = *requireObserver
		case "stats":
			cfg.StatsInterval = *statsInterval
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: config:", err)
		os.Exit(1)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File:    logx.FileConfig{Enabled: cfg.Log.File.Enabled, Path: cfg.Log.File.Path},
	})
	defer logSvc.Close()

	if err := run(ctx, cfg, mgr, logSvc, log); err != nil {
		log.Error("exiting", logx.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, mgr *config.Manager, logSvc *logx.Service, log logx.Logger) error {
	pol, err := bus.ParsePolicy(cfg.Policy)
	if err != nil {
		return err
	}

	b, err := bus.New(bus.Config{
		QueueSize:       cfg.Queue,
		Policy:          pol,
		Announce:        cfg.Announce,
		History:         cfg.History,
		RequireObserver: cfg.RequireObserver,
	}, log.With(logx.String("comp", "bus")))
	if err != nil {
		return err
	}

	ln, err := server.Listen(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var teeSink io.Writer
	if cfg.Tee {
		teeSink = os.Stdout
	}
	prod := producer.New(producer.Config{
		Separator:   cfg.Separator(),
		MaxLineSize: cfg.MaxLineSize,
	}, os.Stdin, teeSink, b, log.With(logx.String("comp", "producer")))

	srv := server.New(server.Config{
		Wire: wire.Config{
			Timestamps: cfg.Timestamps,
			SeqNums:    cfg.SeqNums,
			Separator:  cfg.Separator(),
			Hello:      cfg.Hello,
		},
		Hello:      cfg.Hello != "",
		Announce:   cfg.Announce,
		DrainGrace: cfg.DrainGrace.Std(),
	}, ln, b, log.With(logx.String("comp", "server")))

	reporter := stats.New(cfg.StatsInterval, b, log.With(logx.String("comp", "stats")))
	if err := reporter.Start(); err != nil {
		return err
	}
	defer reporter.Stop()

	sup := supervisor.New(ctx, supervisor.WithLogger(log))

	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("comp", "config")))
		sup.Go0("config-watch", func(ctx context.Context) {
			_ = mgr.Watch(ctx, func(next *config.Config) {
				// Only the log section is safe to change at runtime; the
				// broadcast topology is fixed once the bus exists.
				logSvc.Apply(logx.Config{
					Level:   next.Log.Level,
					Console: next.Log.Console,
					File:    logx.FileConfig{Enabled: next.Log.File.Enabled, Path: next.Log.File.Path},
				})
			})
		})
	}

	prodDone := make(chan struct{})
	sup.Go("producer", func(ctx context.Context) error {
		defer close(prodDone)
		return prod.Run(ctx)
	})

	// Once the input ends, stop accepting; attached clients keep draining
	// inside srv.Run under the drain grace.
	sup.Go0("eof-watch", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-prodDone:
			_ = ln.Close()
		}
	})

	srvDone := make(chan struct{})
	sup.Go("server", func(ctx context.Context) error {
		defer close(srvDone)
		return srv.Run(ctx)
	})

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("linetap started",
		logx.String("listen", cfg.Listen),
		logx.String("policy", pol.String()),
		logx.Int("queue", cfg.Queue),
		logx.Int("history", cfg.History))

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case <-srvDone:
		// Input finished and clients drained (or grace expired).
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := sup.Stop(stopCtx); err != nil && !isBenign(err) {
		return err
	}
	return nil
}

func isBenign(err error) bool {
	return err == nil || err == context.DeadlineExceeded
}

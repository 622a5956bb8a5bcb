// Command depfinder traces one invocation of a command with strace(1) and
// reports the files it reads, writes, and depends on the (non-)existence
// of. It exits with the tracee's exit code, so it can be dropped in front
// of an existing command line without disturbing scripts that inspect $?.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/jherland/depfinder/internal/config"
	"github.com/jherland/depfinder/internal/eventlog"
	"github.com/jherland/depfinder/internal/interp"
	"github.com/jherland/depfinder/internal/queue"
	"github.com/jherland/depfinder/internal/report"
	"github.com/jherland/depfinder/internal/straceline"
	"github.com/jherland/depfinder/internal/trace"
	"github.com/jherland/depfinder/internal/tracer"
	"github.com/jherland/depfinder/internal/tracereport"
	"github.com/jherland/depfinder/internal/transport"
	"github.com/jherland/depfinder/internal/watch"
)

func main() {
	configPath := flag.String("config", "", "path to a depfinder YAML configuration file (optional)")
	watchMode := flag.Bool("watch", false, "run in continuous, whole-host watch mode instead of tracing a single command")
	flag.Parse()

	args := flag.Args()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "depfinder: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var uploadQueue *queue.SQLiteQueue
	if cfg.Collector.Endpoint != "" {
		q, err := queue.New(cfg.Collector.QueuePath)
		if err != nil {
			logger.Error("failed to open upload queue", slog.String("path", cfg.Collector.QueuePath), slog.Any("error", err))
			os.Exit(1)
		}
		uploadQueue = q
		defer uploadQueue.Close()

		metrics := transport.NewMetrics()
		client := transport.New(transport.Config{
			Endpoint:  cfg.Collector.Endpoint,
			AuthToken: cfg.Collector.AuthToken,
		}, logger, transport.WithMetrics(metrics))
		go func() {
			if err := client.Run(ctx, uploadQueue, cfg.Collector.PollIntervalSeconds, cfg.Collector.BatchSize); err != nil {
				logger.Warn("upload client stopped", slog.Any("error", err))
			}
		}()

		if cfg.Collector.MetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			metricsServer := &http.Server{Addr: cfg.Collector.MetricsAddr, Handler: mux}
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Warn("metrics listener stopped", slog.Any("error", err))
				}
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				metricsServer.Shutdown(shutdownCtx)
			}()
		}
	}

	if *watchMode {
		if err := runWatch(ctx, logger, cfg, uploadQueue); err != nil {
			logger.Error("watch failed", slog.Any("error", err))
			os.Exit(1)
		}
		os.Exit(0)
	}

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "depfinder: usage: depfinder [-config FILE] COMMAND [ARGS...]\n       depfinder [-config FILE] -watch")
		os.Exit(1)
	}

	var elog *eventlog.Log
	if cfg.EventLog != "" {
		l, err := eventlog.Open(cfg.EventLog)
		if err != nil {
			logger.Error("failed to open event log", slog.String("path", cfg.EventLog), slog.Any("error", err))
			os.Exit(1)
		}
		elog = l
		defer elog.Close()
	}

	exitCode, err := run(ctx, logger, cfg, elog, uploadQueue, args)
	if err != nil {
		logger.Error("trace failed", slog.Any("error", err))
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// run drives one trace session end to end: spawn strace, classify and
// interpret its output into normalized events, build the process forest,
// and print the collapsed report. It returns the tracee's exit code. When
// uploadQueue is non-nil, the collapsed report is also enqueued; the
// background transport.Client goroutine started in main drains the queue
// and delivers it to the fleet collector independently of this call.
func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, elog *eventlog.Log, uploadQueue *queue.SQLiteQueue, cmdArgs []string) (int, error) {
	sess, err := tracer.Start(ctx, cmdArgs, tracer.Config{
		StracePath: cfg.Tracer.StracePath,
		BufferSize: cfg.Tracer.BufferSize,
		EnvAllow:   cfg.Tracer.EnvAllow,
		Logger:     logger,
	})
	if err != nil {
		return -1, fmt.Errorf("depfinder: %w", err)
	}
	defer sess.Close()

	ip := interp.New()
	var events []trace.Event
	var parseErr error

	for {
		line, ok := sess.Next()
		if !ok {
			break
		}
		classified := straceline.Classify(line)
		if classified.Kind == straceline.Unrecognized {
			logger.Error("unrecognized strace line, skipping", slog.String("line", classified.Raw))
			continue
		}
		evs, err := ip.Feed(classified)
		if err != nil {
			parseErr = fmt.Errorf("depfinder: %w", err)
			break
		}
		for _, ev := range evs {
			if elog != nil {
				if logErr := elog.Append(ev); logErr != nil {
					logger.Warn("event log append failed", slog.Any("error", logErr))
				}
			}
			events = append(events, ev)
		}
	}

	exitCode, waitErr := sess.Wait(ctx)
	if parseErr != nil {
		return exitCode, parseErr
	}
	if waitErr != nil {
		return exitCode, fmt.Errorf("depfinder: %w", waitErr)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return exitCode, fmt.Errorf("depfinder: getwd: %w", err)
	}

	i := 0
	root, err := trace.Build(func() (trace.Event, bool) {
		if i >= len(events) {
			return trace.Event{}, false
		}
		ev := events[i]
		i++
		return ev, true
	}, cwd)
	if err != nil {
		return exitCode, fmt.Errorf("depfinder: %w", err)
	}

	collapsed := root.Collapsed()
	report.Write(os.Stdout, collapsed)

	if uploadQueue != nil {
		host, _ := os.Hostname()
		rep, err := tracereport.New(uuid.NewString(), host, cmdArgs, collapsed, time.Now())
		if err != nil {
			logger.Warn("failed to build trace report for upload", slog.Any("error", err))
		} else if err := uploadQueue.Enqueue(ctx, rep); err != nil {
			logger.Warn("failed to enqueue trace report for upload", slog.Any("error", err))
		}
	}

	return exitCode, nil
}

// runWatch drives continuous, whole-host watch mode: it observes execve
// activity across the machine (eBPF primary, NETLINK_CONNECTOR fallback)
// and, on every cfg.Watch.SnapshotInterval tick, collapses everything
// observed since the previous snapshot into a report. When uploadQueue is
// non-nil, each snapshot is also enqueued for delivery to the fleet
// collector, tagged with this host's platform metadata.
func runWatch(ctx context.Context, logger *slog.Logger, cfg *config.Config, uploadQueue *queue.SQLiteQueue) error {
	w := watch.New(logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("depfinder: watch: %w", err)
	}
	defer w.Stop()

	watchHost, err := hostTag()
	if err != nil {
		logger.Warn("failed to read host platform metadata", slog.Any("error", err))
	}

	ticker := time.NewTicker(cfg.Watch.SnapshotInterval)
	defer ticker.Stop()

	logger.Info("watch mode started", slog.Duration("snapshot_interval", cfg.Watch.SnapshotInterval))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			root, err := w.Snapshot()
			if err != nil {
				logger.Debug("watch: nothing observed this interval", slog.Any("error", err))
				continue
			}

			collapsed := root.Collapsed()
			report.Write(os.Stdout, collapsed)

			if uploadQueue != nil {
				rep, err := tracereport.New(uuid.NewString(), watchHost, []string{"watch"}, collapsed, time.Now())
				if err != nil {
					logger.Warn("failed to build trace report for upload", slog.Any("error", err))
					continue
				}
				if err := uploadQueue.Enqueue(ctx, rep); err != nil {
					logger.Warn("failed to enqueue trace report for upload", slog.Any("error", err))
				}
			}
		}
	}
}

// hostTag returns a string identifying this host for watch-mode reports,
// combining its hostname with the platform/arch metadata gopsutil reports
// (e.g. "ci-runner-3 (ubuntu/22.04 linux/x86_64)").
func hostTag() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}
	info, err := host.Info()
	if err != nil {
		return name, err
	}
	return fmt.Sprintf("%s (%s/%s %s/%s)", name, info.Platform, info.PlatformVersion, info.OS, info.KernelArch), nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

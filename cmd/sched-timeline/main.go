package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrzor/sched-timeline/internal/attributes"
	"github.com/mrzor/sched-timeline/internal/config"
	"github.com/mrzor/sched-timeline/internal/emit"
	"github.com/mrzor/sched-timeline/internal/eventprocessor"
	"github.com/mrzor/sched-timeline/internal/eventstream"
	"github.com/mrzor/sched-timeline/internal/metrics"
	"github.com/mrzor/sched-timeline/internal/otel"
	"github.com/mrzor/sched-timeline/internal/output"
	"github.com/mrzor/sched-timeline/internal/timesync"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

type flags struct {
	input       string
	debug       bool
	noJSON      bool
	otlp        bool
	sqlitePath  string
	metricsFile string
	attributes  []string
	traceID     string
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "sched-timeline <scheduler-map> [output-dir]",
		Short: "Build per-scheduler span timelines from an LTTng trace of a BEAM node",
		Long: `Reads babeltrace text output of a combined kernel and Erlang VM trace and
writes, for every BEAM scheduler thread, the nested spans of each of its
scheduling quanta: scheduler, process or port, syscall and interrupt.

The scheduler map has one "<scheduler-number> <thread-id>" pair per line.
Records go to <output-dir>/sched<N>.json (default output dir: "default").`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(args, f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, f.traceID)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.input, "input", "i", config.StdinInput, `babeltrace text file ("-" for stdin)`)
	fs.BoolVarP(&f.debug, "debug", "d", false, "add opening and closing events to every record")
	fs.BoolVar(&f.noJSON, "no-json", false, "do not write per-scheduler JSON files")
	fs.BoolVar(&f.otlp, "otlp", false, "export spans over OTLP/HTTP (see OTEL_* variables)")
	fs.StringVar(&f.sqlitePath, "sqlite", "", "also store spans in this SQLite database")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write run counters in Prometheus textfile format")
	fs.StringArrayVarP(&f.attributes, "attribute", "a", nil, "custom span attribute NAME=EXPR (repeatable)")
	fs.StringVarP(&f.traceID, "trace-id", "t", "", "expression grouping quanta into OTLP traces")

	return cmd
}

func buildConfig(args []string, f flags) (*config.Config, error) {
	settings, err := config.ParseSettings()
	if err != nil {
		return nil, err
	}

	attrs, err := config.MergeAttributes(settings.Attributes, f.attributes)
	if err != nil {
		return nil, err
	}

	outputDir := config.DefaultOutputDir
	if len(args) > 1 {
		outputDir = args[1]
	}
	if f.noJSON {
		outputDir = ""
	}

	cfg := &config.Config{
		SchedulerMapPath: args[0],
		Input:            f.input,
		OutputDir:        outputDir,
		Debug:            f.debug,
		ExportOTLP:       f.otlp,
		SQLitePath:       f.sqlitePath,
		MetricsFile:      f.metricsFile,
		CustomAttributes: attrs,
		Settings:         settings,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.Settings.LogLevel)
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, traceIDExpr string) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	// Configuration problems abort before any event is read
	tids, err := config.LoadSchedulerMap(cfg.SchedulerMapPath)
	if err != nil {
		return err
	}
	logger.Info("Loaded scheduler map",
		zap.String("path", cfg.SchedulerMapPath),
		zap.Int("schedulers", len(tids)))

	in, closeInput, err := openInput(cfg)
	if err != nil {
		return err
	}
	defer closeInput()

	collector := metrics.NewCollector()
	state := eventprocessor.NewRunState(tids, cfg.Settings.MaxCPUs)

	sinks, shutdown, err := buildSinks(cfg, state, runID, traceIDExpr, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	processor := eventprocessor.NewProcessor(state, emit.NewEmitter(cfg.Debug), sinks, logger, collector)
	stream := eventstream.New(in, processor, logger, collector)

	if err := stream.Run(ctx); err != nil {
		if abortErr := sinks.Abort(); abortErr != nil {
			logger.Error("Failed to discard partial output", zap.Error(abortErr))
		}
		return fmt.Errorf("processing trace: %w", err)
	}

	summary := processor.Finish()
	collector.SpansDiscarded(summary.DiscardedSpans)

	if err := sinks.Close(); err != nil {
		return fmt.Errorf("closing outputs: %w", err)
	}

	stats := stream.Stats()
	logger.Info("Run complete",
		zap.Int("lines", stats.Lines),
		zap.Int("events", stats.Events),
		zap.Int("malformed", stats.Malformed),
		zap.Int("unterminated_quanta", summary.ActiveSchedulers))

	if cfg.MetricsFile != "" {
		if err := collector.WriteTextfile(cfg.MetricsFile); err != nil {
			return err
		}
	}
	return nil
}

func openInput(cfg *config.Config) (io.Reader, func(), error) {
	if cfg.UsesStdin() {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(cfg.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// buildSinks creates every configured output. The returned shutdown flushes
// the OTLP exporter, if any, and must run after the sinks are closed.
func buildSinks(cfg *config.Config, state *eventprocessor.RunState, runID, traceIDExpr string, logger *zap.Logger) (*output.Fanout, func(), error) {
	var sinks []output.Sink
	var cleanups []func()
	shutdown := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*output.Fanout, func(), error) {
		_ = output.NewFanout(sinks...).Abort()
		shutdown()
		return nil, nil, err
	}

	if cfg.OutputDir != "" {
		js, err := output.NewJSONSink(cfg.OutputDir, cfg.Settings.Compression, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, js)
	}

	if cfg.SQLitePath != "" {
		ss, err := output.NewSQLiteSink(cfg.SQLitePath, runID, logger)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, ss)
		if err := ss.Migrate(); err != nil {
			return fail(err)
		}
	}

	if cfg.ExportOTLP {
		otelCfg, err := config.ParseOTELConfig()
		if err != nil {
			return fail(err)
		}
		tp, err := otel.InitProvider(otelCfg, runID, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize OTEL provider: %w", err))
		}
		cleanups = append(cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
				logger.Error("Error shutting down OTEL provider", zap.Error(err))
			}
		})

		evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes, logger)
		if err != nil {
			return fail(err)
		}
		traceIDs, err := attributes.NewTraceIDEvaluator(traceIDExpr)
		if err != nil {
			return fail(err)
		}
		day, err := cfg.Settings.CaptureDay(time.Now())
		if err != nil {
			return fail(err)
		}

		reference := func() timesync.TimeOfDay { return state.Start }
		sinks = append(sinks, output.NewOTELSink(tp.Tracer("sched-timeline"), day, reference, evaluator, traceIDs, runID, logger))
	} else if len(cfg.CustomAttributes) > 0 || traceIDExpr != "" {
		logger.Warn("Custom attributes and trace ids only apply to OTLP export; pass --otlp")
	}

	if len(sinks) == 0 {
		return fail(errors.New("no output configured"))
	}
	return output.NewFanout(sinks...), shutdown, nil
}

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
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-parkrun-results/config"
	"github.com/aluiziolira/go-parkrun-results/dataset"
	"github.com/aluiziolira/go-parkrun-results/models"
	"github.com/aluiziolira/go-parkrun-results/parser"
	"github.com/aluiziolira/go-parkrun-results/pipeline"
	"github.com/aluiziolira/go-parkrun-results/scraper"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type options struct {
	configPath      string
	entitiesFile    string
	storeFile       string
	update          bool
	exportFile      string
	exportFormat    string
	show            bool
	verbose         bool
	metricsAddr     string
	baseURL         string
	timeout         time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	retryBackoffMax time.Duration
	interval        time.Duration
}

func main() {
	os.Exit(run())
}

// run executes the command and returns the process exit code. Deferred
// cleanup runs before main exits.
func run() int {
	defaults := config.DefaultConfig()
	var opts options

	flag.StringVar(&opts.configPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&opts.entitiesFile, "entities", defaults.EntitiesFile, "CSV of tracked athletes (name,external_id)")
	flag.StringVar(&opts.storeFile, "store", defaults.StoreFile, "Persisted results CSV")
	flag.BoolVar(&opts.update, "update", false, "Fetch fresh results before reading the store")
	flag.StringVar(&opts.exportFile, "export", "", "Export the dataset to this file")
	flag.StringVar(&opts.exportFormat, "format", defaults.ExportFormat, "Export format: csv, json, or dual")
	flag.BoolVar(&opts.show, "show", false, "Print the dataset as a table")
	flag.BoolVar(&opts.verbose, "v", false, "Enable verbose logging")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flag.StringVar(&opts.baseURL, "base-url", defaults.BaseURL, "parkrun site root")
	flag.DurationVar(&opts.timeout, "timeout", defaults.Timeout, "Per-request timeout")
	flag.IntVar(&opts.maxRetries, "max-retries", defaults.MaxRetries, "Maximum retry attempts per athlete on network errors")
	flag.DurationVar(&opts.retryBackoff, "retry-backoff", defaults.RetryBackoff, "Initial retry backoff")
	flag.DurationVar(&opts.retryBackoffMax, "retry-backoff-max", defaults.RetryBackoffMax, "Maximum retry backoff")
	flag.DurationVar(&opts.interval, "interval", defaults.RequestInterval, "Minimum gap between requests (0 disables)")

	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	cfg = buildConfigFromFlags(cfg, opts, explicitFlags())

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := pipeline.NewStore(cfg.StoreFile)

	var (
		updater dataset.Updater
		runErr  error
	)
	if opts.update {
		s, err := scraper.NewScraper(cfg)
		if err != nil {
			slog.Error("initialising scraper", slog.Any("error", err))
			return 1
		}

		metricsServer := startMetricsServer(cfg.MetricsAddr, s.Metrics)
		defer stopMetricsServer(metricsServer)

		p := pipeline.NewPipeline(cfg, s, store, s.Metrics)
		updater = dataset.UpdaterFunc(func(ctx context.Context) (*models.RunResult, error) {
			slog.Info("starting collection",
				slog.String("base_url", cfg.BaseURL),
				slog.String("entities", cfg.EntitiesFile),
				slog.String("store", cfg.StoreFile),
			)
			result, err := p.Run(ctx)
			if result != nil {
				printSummary(result, cfg.StoreFile)
			}
			runErr = err
			return result, err
		})
	}

	provider, err := dataset.NewProvider(store, updater, cfg.SnapshotCacheSize)
	if err != nil {
		slog.Error("creating dataset provider", slog.Any("error", err))
		return 1
	}

	ds, err := provider.Results(ctx, opts.update)
	if err != nil {
		slog.Error("reading results", slog.Any("error", err))
		return 1
	}

	if cfg.ExportFile != "" {
		if err := export(ds, cfg.ExportFormat, cfg.ExportFile); err != nil {
			slog.Error("export failed", slog.Any("error", err))
			return 1
		}
		slog.Info("dataset exported", slog.String("path", cfg.ExportFile), slog.String("format", cfg.ExportFormat), slog.Int("rows", len(ds.Rows)))
	}

	if opts.show {
		renderDataset(ds)
	} else if !opts.update && cfg.ExportFile == "" {
		slog.Info("store loaded",
			slog.String("path", cfg.StoreFile),
			slog.Int("rows", len(ds.Rows)),
			slog.String("athlete", ds.Athlete.Name),
		)
	}

	if runErr != nil {
		return 1
	}
	return 0
}

// explicitFlags reports which flags were set on the command line, so only
// those override the file and environment layers.
func explicitFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func buildConfigFromFlags(base *config.Config, opts options, set map[string]bool) *config.Config {
	cfg := *base
	if set["entities"] {
		cfg.EntitiesFile = opts.entitiesFile
	}
	if set["store"] {
		cfg.StoreFile = opts.storeFile
	}
	if set["export"] {
		cfg.ExportFile = opts.exportFile
	}
	if set["format"] {
		cfg.ExportFormat = strings.ToLower(opts.exportFormat)
	}
	if set["v"] {
		cfg.Verbose = opts.verbose
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if set["base-url"] {
		cfg.BaseURL = opts.baseURL
	}
	if set["timeout"] {
		cfg.Timeout = opts.timeout
	}
	if set["max-retries"] {
		cfg.MaxRetries = opts.maxRetries
	}
	if set["retry-backoff"] {
		cfg.RetryBackoff = opts.retryBackoff
	}
	if set["retry-backoff-max"] {
		cfg.RetryBackoffMax = opts.retryBackoffMax
	}
	if set["interval"] {
		cfg.RequestInterval = opts.interval
	}
	return &cfg
}

func startMetricsServer(addr string, metrics *scraper.Metrics) *http.Server {
	if addr == "" || metrics == nil {
		return nil
	}
	server := &http.Server{
		Addr:    addr,
		Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	slog.Info("metrics server enabled", slog.String("addr", addr))
	return server
}

func stopMetricsServer(server *http.Server) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.Any("error", err))
	}
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, filepath.Ext(filename)) + ".json"
		if jsonFilename == filename {
			return nil, fmt.Errorf("dual export needs a non-.json target, got %s", filename)
		}
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func export(ds *dataset.Dataset, format, filename string) error {
	writer, err := createWriter(format, filename)
	if err != nil {
		return err
	}

	results := make([]models.Result, 0, len(ds.Rows))
	for _, r := range ds.Rows {
		results = append(results, r.Result)
	}
	if err := writer.Write(results); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Validate(); err != nil {
		writer.Close()
		return fmt.Errorf("output validation failed: %w", err)
	}
	return writer.Close()
}

func printSummary(result *models.RunResult, storeFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Collection complete")

	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Printf("  Athletes:      %d (%d ok, %d failed)\n", result.EntityCount, len(result.Succeeded), len(result.Failures))
	fmt.Printf("  Requests:      %d\n", result.RequestCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Rows parsed:   %d\n", result.RowsParsed)
	if len(result.ErrorsByType) > 0 {
		kinds := make([]string, 0, len(result.ErrorsByType))
		for kind, n := range result.ErrorsByType {
			kinds = append(kinds, fmt.Sprintf("%s=%d", kind, n))
		}
		sort.Strings(kinds)
		fmt.Printf("  Error types:   %s\n", strings.Join(kinds, " "))
	}
	for _, f := range result.Failures {
		fmt.Printf("    %s (%s): %s: %v\n", f.Name, f.ExternalID, f.Kind, f.Err)
	}
	if result.Success() {
		fmt.Printf("  Store rows:    %d -> %d (+%d)\n", result.StoreBefore, result.StoreAfter, result.RowsAdded)
		if !result.StoreChanged {
			fmt.Println("  Store:         unchanged")
		}
	}
	if !result.EndTime.IsZero() {
		fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	}
	fmt.Printf("  Store file:    %s\n", storeFile)
	fmt.Println(separator)
}

func renderDataset(ds *dataset.Dataset) {
	if ds.Athlete.Name != "" {
		fmt.Printf("%s (%s)\n", ds.Athlete.Name, ds.Athlete.ID)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Date", "Event", "Run", "Pos", "Time", "Age Grade", "PB"})
	for _, r := range ds.Rows {
		pb := ""
		if r.IsPB {
			pb = "PB"
		}
		t.AppendRow(table.Row{
			r.RunDate.Format(parser.DateLayout),
			r.Event,
			r.RunNumber,
			r.Position,
			r.TimeFormatted,
			parser.FormatAgeGrade(r.AgeGrade),
			pb,
		})
	}
	t.AppendFooter(table.Row{"", "Total", len(ds.Rows), "", "", "", len(ds.PBs())})
	t.SetStyle(table.StyleRounded)
	t.Render()

	counts := table.NewWriter()
	counts.SetOutputMirror(os.Stdout)
	counts.AppendHeader(table.Row{"Event", "Runs"})
	for _, c := range ds.EventCounts() {
		counts.AppendRow(table.Row{c.Event, c.Count})
	}
	counts.SetStyle(table.StyleRounded)
	counts.Render()
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stderr) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

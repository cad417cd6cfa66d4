// xlwatch - Spreadsheet folder monitor with cell-level change events
//
//	xlwatch run        Watch the configured folders until interrupted
//	xlwatch baseline   Create baselines for the given files
//	xlwatch events     Print recorded change events
//	xlwatch status     Show store and configuration summary
//	xlwatch config     Write the default configuration if none exists
//	xlwatch formats    List baseline compression formats
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"xlwatch/internal/codec"
	"xlwatch/internal/compare"
	"xlwatch/internal/config"
	"xlwatch/internal/logging"
	"xlwatch/internal/metrics"
	"xlwatch/internal/monitor"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "baseline":
		cmdBaseline()
	case "events":
		cmdEvents()
	case "status":
		cmdStatus()
	case "config":
		cmdConfig()
	case "formats":
		cmdFormats()
	case "version", "-v", "--version":
		fmt.Printf("xlwatch %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`xlwatch - Spreadsheet Change Monitor

USAGE:
    xlwatch <command> [options]

COMMANDS:
    run                 Watch configured folders and report cell changes
    baseline <files>    Create baselines for the given spreadsheets
    events              Print recorded change events
    status              Show baseline store and configuration summary
    config              Write the default configuration if none exists
    formats             List baseline compression formats
    version             Print the version
    help                Show this help message

COMMON OPTIONS:
    -config <path>      Configuration file (TOML, JSON or YAML)

RUN OPTIONS:
    -metrics <path>     Write Prometheus metrics here at shutdown ("-" for stdout)
    -json               Also print events and statuses as JSON lines on stdout

EVENTS OPTIONS:
    -since <n>          Only events numbered above n (default 0)
    -limit <n>          At most n events (default all)
    -json               One JSON object per line

ENVIRONMENT:
    XLWATCH_WATCH_ROOTS, XLWATCH_FORCE_POLLING, XLWATCH_SCAN_ALL,
    XLWATCH_FORMULA_ONLY, XLWATCH_WHITELIST, XLWATCH_COMPRESSION_FORMAT,
    XLWATCH_STORAGE_PATH, XLWATCH_WORKERS, XLWATCH_MEMORY_LIMIT_MB,
    XLWATCH_LOG_LEVEL, XLWATCH_LOG_PATH, XLWATCH_DATA_DIR

Press Ctrl+C once to stop after the current file; press it again to exit
immediately.`)
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	metricsPath := fs.String("metrics", "", "Write Prometheus metrics here at shutdown")
	asJSON := fs.Bool("json", false, "Also print events and file statuses as JSON lines on stdout")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("Error: %v", err)
	}

	logger := setupLogging(cfg)
	defer logger.Close()

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Version:   version,
		Component: "xlwatch",
		OnCrash: func(r logging.CrashReport) {
			logger.Error("panic recovered", "panic", r.PanicValue, "context", r.Context)
		},
	})
	if err := crash.CleanupOldCrashReports(30 * 24 * time.Hour); err != nil {
		logger.Debug("crash report cleanup failed", "error", err)
	}
	defer func() {
		if r := recover(); r != nil {
			crash.HandlePanic(r, map[string]any{"command": "run"})
			panic(r)
		}
	}()

	journalCfg := logging.DefaultJournalConfig()
	if cfg.Logging.JournalPath != "" {
		journalCfg.FilePath = cfg.Logging.JournalPath
	}
	journal, err := logging.NewJournal(journalCfg)
	if err != nil {
		logger.Warn("journal disabled", "error", err)
		journal = nil
	}

	var sink monitor.Sink = monitor.LogSink{Logger: logger.WithComponent("events").Logger}
	if *asJSON {
		sink = monitor.MultiSink{sink, &monitor.JSONSink{W: os.Stdout}}
	}

	mon, err := monitor.New(cfg, monitor.Options{
		Sink:    sink,
		Logger:  logger,
		Metrics: metrics.NewMonitor(nil),
		Journal: journal,
		Crash:   crash,
	})
	if err != nil {
		logger.Error("cannot start monitor", "error", err)
		os.Exit(1)
	}

	state := mon.State()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if state.RequestStop() {
				logger.Info("stopping after the current file; interrupt again to exit now", "signal", sig.String())
				continue
			}
			logger.Warn("forced exit", "signal", sig.String())
			os.Exit(1)
		}
	}()

	ctx := state.Context()
	if cfg.Runtime.MemoryLimitMB > 0 {
		go watchMemory(ctx, mon, cfg.Runtime.MemoryLimitMB,
			time.Duration(cfg.Runtime.MemoryCheckSec)*time.Second, logger.WithComponent("memory"))
	}

	if err := mon.Start(ctx); err != nil {
		logger.Error("cannot start monitor", "error", err)
		mon.Stop()
		os.Exit(1)
	}

	<-ctx.Done()

	if err := mon.Stop(); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if *metricsPath != "" {
		if err := dumpMetrics(mon, *metricsPath); err != nil {
			logger.Error("cannot write metrics", "error", err)
		}
	}
	if journal != nil {
		journal.Close()
	}
	logger.Info("xlwatch stopped", "last_event", mon.CurrentEventNumber())
}

func dumpMetrics(mon *monitor.Monitor, path string) error {
	if path == "-" {
		return mon.WriteMetrics(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if err := mon.WriteMetrics(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func cmdBaseline() {
	fs := flag.NewFlagSet("baseline", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: xlwatch baseline [-config path] <file>...")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("Error: %v", err)
	}
	logger := setupLogging(cfg)
	defer logger.Close()

	mon, err := monitor.New(cfg, monitor.Options{Logger: logger})
	if err != nil {
		fatal("Error: %v", err)
	}
	defer mon.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := false
	for _, r := range mon.CreateBaselinesForFiles(ctx, fs.Args()) {
		if r.Err != nil {
			fmt.Printf("%-8s %s: %v\n", r.Status, r.Path, r.Err)
		} else {
			fmt.Printf("%-8s %s\n", r.Status, r.Path)
		}
		if r.Status == monitor.StatusError || r.Status == monitor.StatusSkipped {
			failed = true
		}
	}
	if failed {
		mon.Stop()
		os.Exit(1)
	}
}

func cmdEvents() {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	since := fs.Int64("since", 0, "Only events numbered above this")
	limit := fs.Int("limit", 0, "Maximum number of events")
	asJSON := fs.Bool("json", false, "Print one JSON object per line")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)
	mon, err := monitor.New(cfg, monitor.Options{Logger: logging.Discard()})
	if err != nil {
		fatal("Error: %v", err)
	}
	defer mon.Stop()

	events, err := mon.EventsSince(context.Background(), *since, *limit)
	if err != nil {
		mon.Stop()
		fatal("Error: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				mon.Stop()
				fatal("Error: %v", err)
			}
		}
		return
	}

	if len(events) == 0 {
		fmt.Println("No events.")
		return
	}
	for _, ev := range events {
		printEvent(ev)
	}
}

func printEvent(ev *compare.Event) {
	author := ev.Author
	if author == "" {
		author = "unknown"
	}
	suppressed := ""
	if ev.Suppressed {
		suppressed = " (suppressed)"
	}
	fmt.Printf("#%d  %s  %s  by %s%s\n",
		ev.Number, ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Path, author, suppressed)
	for _, s := range ev.Sheets {
		fmt.Printf("    sheet %s %s\n", s.Sheet, s.Kind)
	}
	for _, c := range ev.Changes {
		fmt.Printf("    %s!%s %s: %s -> %s\n", c.Sheet, c.Address, c.Kind,
			cellText(c.OldValue, c.OldFormula), cellText(c.NewValue, c.NewFormula))
	}
}

func cellText(value, formula string) string {
	switch {
	case formula != "" && value != "":
		return fmt.Sprintf("%s [%s]", formula, value)
	case formula != "":
		return formula
	case value != "":
		return fmt.Sprintf("%q", value)
	default:
		return "(empty)"
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)

	fmt.Println("=== xlwatch Status ===")
	fmt.Println()
	if path := configFileFor(*configPath); path != "" {
		fmt.Printf("Config file: %s\n", path)
	} else {
		fmt.Println("Config file: none (defaults)")
	}
	fmt.Printf("Database: %s\n", cfg.Storage.Path)

	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Println("No baselines yet. Run 'xlwatch run' or 'xlwatch baseline' first.")
	} else {
		mon, err := monitor.New(cfg, monitor.Options{Logger: logging.Discard()})
		if err != nil {
			fatal("Error: %v", err)
		}
		ctx := context.Background()
		stats, err := mon.Stats(ctx)
		if err != nil {
			mon.Stop()
			fatal("Error: %v", err)
		}
		report := mon.Health().Report(ctx)
		mon.Stop()

		fmt.Printf("Baselines: %d\n", stats.Baselines)
		fmt.Printf("Tombstones: %d\n", stats.Tombstones)
		fmt.Printf("Events: %d (last #%d)\n", stats.Events, stats.LastEvent)

		fmt.Println()
		fmt.Printf("Health: %s\n", report.Status)
		for _, name := range report.Names() {
			r := report.Components[name]
			line := fmt.Sprintf("    %-8s %-9s %s", name, r.Status, r.Message)
			if r.Error != "" {
				line += ": " + r.Error
			}
			fmt.Println(line)
		}
	}

	fmt.Println()
	fmt.Printf("Watch roots: %s\n", listOrNone(cfg.Watch.Roots))
	fmt.Printf("Monitor-only roots: %s\n", listOrNone(cfg.Watch.MonitorOnly))
	fmt.Printf("Scan all: %v\n", cfg.Watch.ScanAll)
	fmt.Printf("Force polling: %v\n", cfg.Watch.ForcePolling)
	fmt.Printf("Formula only: %v\n", cfg.Compare.FormulaOnly)
	fmt.Printf("Whitelist: %s\n", listOrNone(cfg.Compare.Whitelist))
	fmt.Printf("Compression: %s\n", cfg.Baseline.CompressionFormat)
	fmt.Printf("Workers: %d\n", cfg.Runtime.Workers)
}

func cmdConfig() {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file (default: platform config dir)")
	fs.Parse(os.Args[2:])

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		fatal("Error: %v", err)
	}
	if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
	} else {
		fmt.Printf("Configuration exists at %s\n", path)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Validation: %v\n", err)
	}
}

func cmdFormats() {
	available := make(map[codec.Format]bool)
	for _, f := range codec.Available() {
		available[f] = true
	}
	fmt.Println("Compression formats (preference order):")
	for _, f := range codec.Formats() {
		mark := "unavailable"
		if available[f] {
			mark = "available"
		}
		fmt.Printf("    %-6s %s\n", f, mark)
	}
}

// loadConfig loads and validates the configuration, printing warnings and
// exiting on errors.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatal("Error loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		var verrs config.ValidationErrors
		if !errors.As(err, &verrs) {
			fatal("Error: %v", err)
		}
		for _, w := range verrs.Warnings() {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", w.Error())
		}
		if verrs.HasErrors() {
			for _, e := range verrs.Errors() {
				fmt.Fprintf(os.Stderr, "Error: %s\n", e.Error())
			}
			os.Exit(1)
		}
	}
	return cfg
}

func configFileFor(path string) string {
	if path != "" {
		return path
	}
	return config.FindConfigFile()
}

func setupLogging(cfg *config.Config) *logging.Logger {
	lc, err := cfg.LogConfig()
	if err != nil {
		fatal("Error: %v", err)
	}
	logger, err := logging.New(lc)
	if err != nil {
		fatal("Error: %v", err)
	}
	logging.SetDefault(logger)
	return logger
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eargollo/attic/internal/config"
	"github.com/eargollo/attic/internal/db"
	"github.com/eargollo/attic/internal/jira"
	"github.com/eargollo/attic/internal/ratelimit"
	"github.com/eargollo/attic/internal/report"
	"github.com/eargollo/attic/internal/scan"
	"github.com/eargollo/attic/internal/store"
)

// Injected at build time via -ldflags; defaults to "dev".
var version = "dev"

const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, scan.ErrStopped) || errors.Is(err, context.Canceled) {
			slog.Warn("scan interrupted, run again with --resume to continue")
			return exitInterrupted
		}
		slog.Error("attic failed", "error", err)
		return exitError
	}
	return exitOK
}

type cliFlags struct {
	configPath string
	resume     string
	reset      string
	list       bool
	cleanup    int
}

func newRootCmd() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:   "attic",
		Short: "Audit duplicate attachments on a Jira Data Center instance",
		Long: `attic scans every attachment reachable through the configured JQL filter,
fingerprints the content, and reports duplicate groups, per-project waste
and cleanup candidates. Scans checkpoint as they go and can be resumed
after an interruption.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML config file")
	cmd.Flags().StringVar(&flags.resume, "resume", "", "resume an interrupted scan (latest when no id is given)")
	cmd.Flags().Lookup("resume").NoOptDefVal = "latest"
	cmd.Flags().StringVar(&flags.reset, "reset", "", "delete a scan and its data (all incomplete scans when no id is given)")
	cmd.Flags().Lookup("reset").NoOptDefVal = "incomplete"
	cmd.Flags().BoolVar(&flags.list, "list", false, "list stored scans and exit")
	cmd.Flags().IntVar(&flags.cleanup, "cleanup", 0, "delete completed scans older than N days and exit (30 when no value is given)")
	cmd.Flags().Lookup("cleanup").NoOptDefVal = "30"

	return cmd
}

func dispatch(ctx context.Context, flags cliFlags) error {
	// Initial logger; reconfigured once the config is loaded.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	database, err := db.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.RunMigrations(database); err != nil {
		return err
	}
	st := store.New(database)

	switch {
	case flags.list:
		return listScans(ctx, st)
	case flags.cleanup > 0:
		return cleanupScans(ctx, st, flags.cleanup)
	case flags.reset != "":
		return resetScans(ctx, st, flags.reset)
	default:
		return runScan(ctx, cfg, st, flags.resume)
	}
}

func runScan(ctx context.Context, cfg *config.Config, st *store.Store, resume string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := jira.New(jira.Options{
		BaseURL:   cfg.Jira.BaseURL,
		Token:     cfg.Jira.Token,
		Username:  cfg.Jira.Username,
		Password:  cfg.Jira.Password,
		VerifySSL: *cfg.Jira.VerifySSL,
		PoolSize:  2 * cfg.Scan.WorkerCount,
		Limiter:   ratelimit.New(cfg.Scan.RateLimitPerSecond),
	})
	if err != nil {
		return err
	}

	slog.Info("verifying connection", "base_url", cfg.Jira.BaseURL)
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("connection check: %w", err)
	}

	pool := scan.NewPool(client, scan.PoolConfig{
		Workers:         cfg.Scan.WorkerCount,
		MaxFileBytes:    cfg.Scan.MaxFileBytes,
		DownloadTimeout: time.Duration(cfg.Scan.DownloadTimeoutSeconds) * time.Second,
		UseContentHash:  *cfg.Scan.UseContentHash,
	})
	progress := &scan.Progress{}
	scanner := scan.New(client, pool, st, scan.Options{
		PageSize:           cfg.Scan.PageSize,
		CheckpointInterval: cfg.Storage.CheckpointInterval,
		CustomJQL:          cfg.Filters.CustomJQL,
		Projects:           cfg.Filters.Projects,
		DateFrom:           cfg.Filters.DateFrom,
		DateTo:             cfg.Filters.DateTo,
		ConfigJSON:         configSnapshot(cfg),
	}, progress)

	// First interrupt stops cooperatively at the next page boundary; a
	// second one cancels outright. Both paths leave a checkpoint behind.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		<-sigs
		slog.Warn("interrupt received, finishing current page (interrupt again to abort)")
		scanner.Stop()
		<-sigs
		cancel()
	}()

	stopBar := startProgressBar(progress)

	var res *scan.Result
	if resume != "" {
		scanID := resume
		if scanID == "latest" {
			state, err := st.LatestIncomplete(ctx)
			if err != nil {
				return err
			}
			scanID = state.ScanID
		}
		res, err = scanner.Resume(ctx, scanID)
	} else {
		// A leftover incomplete scan means the last run was interrupted;
		// picking it up avoids re-downloading everything it covered.
		if state, lerr := st.LatestIncomplete(ctx); lerr == nil {
			slog.Info("incomplete scan found, resuming it", "id", state.ScanID)
			res, err = scanner.Resume(ctx, state.ScanID)
		} else {
			res, err = scanner.Run(ctx)
		}
	}
	stopBar()
	if err != nil {
		return err
	}

	if err := report.Render(cfg.Output.OutputDir, res); err != nil {
		return err
	}
	printSummary(res)
	return nil
}

func printSummary(res *scan.Result) {
	stats := res.Stats
	fmt.Printf("\nScan %s completed in %s\n", res.State.ScanID,
		(time.Duration(res.State.DurationMS) * time.Millisecond).Round(time.Second))
	fmt.Printf("  Issues scanned:    %d\n", res.State.ProcessedIssues)
	fmt.Printf("  Files seen:        %d (%s)\n", stats.TotalFiles, humanize.IBytes(uint64(stats.TotalSize)))
	fmt.Printf("  Duplicate files:   %d (%s wasted)\n", stats.DuplicateFiles, humanize.IBytes(uint64(stats.DuplicateSize)))
	if stats.TotalSize > 0 {
		fmt.Printf("  Waste:             %.2f%%\n", float64(stats.DuplicateSize)/float64(stats.TotalSize)*100)
	}

	if len(res.QuickWins) > 0 {
		fmt.Println("\nQuick wins:")
		for i, w := range res.QuickWins {
			fmt.Printf("  %d. %s — %d duplicates, %s reclaimable\n",
				i+1, w.FileName, w.DuplicateCount, humanize.IBytes(uint64(w.TotalWastedSpace)))
		}
	}
}

// startProgressBar renders a terminal bar fed by the scanner's counters.
// The returned func stops the refresh goroutine and finishes the bar.
func startProgressBar(progress *scan.Progress) func() {
	tmpl := `{{counters . }} issues {{bar . }} {{percent . }} {{string . "suffix"}}`
	bar := pb.New(0)
	bar.SetTemplateString(tmpl)
	bar.Start()

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		tick := time.NewTicker(200 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				snap := progress.Snapshot()
				bar.SetTotal(snap.TotalIssues)
				bar.SetCurrent(snap.ProcessedIssues)
				bar.Set("suffix", fmt.Sprintf("%d files, %s wasted",
					snap.TotalFiles, humanize.IBytes(uint64(snap.DuplicateSize))))
			}
		}
	}()
	return func() {
		close(done)
		<-finished
		bar.Finish()
	}
}

func listScans(ctx context.Context, st *store.Store) error {
	states, err := st.ListScans(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no scans stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SCAN ID\tSTATUS\tPROGRESS\tSTARTED\tDURATION")
	for _, s := range states {
		dur := "-"
		if s.DurationMS > 0 {
			dur = (time.Duration(s.DurationMS) * time.Millisecond).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			s.ScanID, s.Status, s.ProcessedIssues, s.TotalIssues,
			s.StartTime.Local().Format("2006-01-02 15:04"), dur)
	}
	return w.Flush()
}

func cleanupScans(ctx context.Context, st *store.Store, days int) error {
	n, err := st.CleanupOlderThan(ctx, days)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d completed scan(s) older than %d days\n", n, days)
	return nil
}

func resetScans(ctx context.Context, st *store.Store, target string) error {
	if target != "incomplete" {
		if err := st.ResetScan(ctx, target); err != nil {
			return err
		}
		fmt.Printf("scan %s removed\n", target)
		return nil
	}

	states, err := st.FindIncompleteScans(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		if err := st.ResetScan(ctx, s.ScanID); err != nil {
			return err
		}
		slog.Info("removed incomplete scan", "id", s.ScanID)
	}
	fmt.Printf("removed %d incomplete scan(s)\n", len(states))
	return nil
}

// configSnapshot serializes the run configuration for the scan record,
// credentials excluded.
func configSnapshot(cfg *config.Config) string {
	snap := map[string]any{
		"base_url":            cfg.Jira.BaseURL,
		"page_size":           cfg.Scan.PageSize,
		"worker_count":        cfg.Scan.WorkerCount,
		"max_file_bytes":      cfg.Scan.MaxFileBytes,
		"rate_limit":          cfg.Scan.RateLimitPerSecond,
		"use_content_hash":    *cfg.Scan.UseContentHash,
		"checkpoint_interval": cfg.Storage.CheckpointInterval,
		"custom_jql":          cfg.Filters.CustomJQL,
		"projects":            cfg.Filters.Projects,
		"date_from":           cfg.Filters.DateFrom,
		"date_to":             cfg.Filters.DateTo,
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

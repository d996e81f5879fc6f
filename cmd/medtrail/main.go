// Package main is the CLI entry point for medtrail — a tamper-evident
// audit ledger for access to protected health information.
//
// Every access event is recorded as a hash-chained, append-only entry in a
// SQLite store. Each entry's hash covers its fields plus the previous
// entry's hash, so silent retroactive edits are detectable. The ledger
// stores metadata about access (who, what kind, when, from where, outcome)
// and never clinical content.
//
// CLI commands (cobra):
//
//	medtrail init       - Write a default config.yaml
//	medtrail log        - Append one audit entry
//	medtrail tail       - Show the most recent entries
//	medtrail query      - Filtered retrieval (exact and glob patterns)
//	medtrail report     - Aggregate report over a time range
//	medtrail verify     - Verify hash chain integrity
//	medtrail anomalies  - Run suspicious-activity detection
//	medtrail export     - Export entries as json/jsonl/csv
//	medtrail actions    - List action kinds and permitted metadata keys
//	medtrail watch      - Serve the live websocket feed + periodic scans
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medtrail/medtrail/internal/anomaly"
	"github.com/medtrail/medtrail/internal/config"
	"github.com/medtrail/medtrail/internal/feed"
	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/report"
	"github.com/medtrail/medtrail/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.medtrail/, where config.yaml and the audit
// database live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".medtrail"
	}
	return filepath.Join(home, ".medtrail")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the medtrail config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "medtrail",
	Short: "medtrail — tamper-evident PHI access audit ledger",
	Long: `medtrail records every access to protected health information as a
hash-chained, append-only audit entry. Entries hold access metadata only —
actor, subject, action kind, origin, outcome — never clinical content.
The chain makes retroactive edits detectable: verify it any time with
'medtrail verify'.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to medtrail config and state directory",
	)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(anomaliesCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(watchCmd)
}

// loadConfig reads config.yaml from the config dir, falling back to
// defaults when it doesn't exist.
func loadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(configDir, "config.yaml"))
}

// openStore opens the SQLite audit store named by the config, creating the
// config dir if needed. Relative store paths resolve under the config dir.
func openStore(cfg *config.Config) (*store.SQLite, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory %s: %w", configDir, err)
	}
	path := cfg.Store.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(configDir, path)
	}
	return store.Open(path)
}

// parseTimeArg accepts either an RFC3339 timestamp or a duration relative
// to now ("1h", "24h") and returns an RFC3339 UTC timestamp. Empty stays
// empty (no bound).
func parseTimeArg(s string) (string, error) {
	if s == "" || strings.Contains(s, "T") {
		return s, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid time %q (use RFC3339 or a duration like 24h): %w", s, err)
	}
	return time.Now().UTC().Add(-d).Format(time.RFC3339Nano), nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// medtrail init
// ============================================================================

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml to the config directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", configDir, err)
		}
		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

// ============================================================================
// medtrail log — append one entry
// ============================================================================

var (
	logActor   string
	logSubject string
	logAction  string
	logOrigin  string
	logFailed  bool
	logMeta    []string
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Append one audit entry to the ledger",
	Long: `Append one audit entry. The entry is chained to the previous one,
hashed, and persisted. Metadata takes repeated --meta key=value flags;
only the keys permitted for the action are accepted (see 'medtrail
actions'), which is how clinical values are kept out of the ledger.`,
	Example: `  medtrail log --actor dr_smith --subject patient-42 --action VIEW_PATIENT
  medtrail log --actor alice@example.com --subject NONE --action LOGIN_FAILED --failed \
      --origin 10.0.0.5 --meta failure_reason=bad_password`,
	RunE: runLog,
}

func init() {
	logCmd.Flags().StringVar(&logActor, "actor", "", "Principal performing the action (required)")
	logCmd.Flags().StringVar(&logSubject, "subject", ledger.SubjectNone, "Record/patient the action concerns")
	logCmd.Flags().StringVar(&logAction, "action", "", "Action kind, e.g. VIEW_PATIENT (required)")
	logCmd.Flags().StringVar(&logOrigin, "origin", "", "Network origin of the request")
	logCmd.Flags().BoolVar(&logFailed, "failed", false, "Record the action as unsuccessful")
	logCmd.Flags().StringArrayVar(&logMeta, "meta", nil, "Metadata key=value (repeatable)")
	logCmd.MarkFlagRequired("actor")
	logCmd.MarkFlagRequired("action")
}

func runLog(cmd *cobra.Command, args []string) error {
	action, err := ledger.ParseAction(logAction)
	if err != nil {
		return err
	}

	metadata := make(map[string]string, len(logMeta))
	for _, kv := range logMeta {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --meta %q, expected key=value", kv)
		}
		metadata[key] = value
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	l, err := ledger.Open(st, ledger.Options{FallbackCapacity: cfg.Fallback.Capacity})
	if err != nil {
		return err
	}

	entry, err := l.Append(ledger.Event{
		ActorID:   logActor,
		SubjectID: logSubject,
		Action:    action,
		Success:   !logFailed,
		Origin:    logOrigin,
		Metadata:  metadata,
	})
	if err != nil {
		return err
	}

	// A short-lived CLI process cannot hold buffered entries for later
	// replay — a failed insert here means the entry dies with us.
	if l.Degraded() {
		return fmt.Errorf("entry %s chained but NOT persisted (store unavailable)", entry.ID)
	}

	fmt.Printf("Appended entry %s (seq %d)\n", entry.ID, entry.Seq)
	return nil
}

// ============================================================================
// medtrail tail
// ============================================================================

var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		last, err := st.Tail()
		if err != nil {
			return err
		}
		if last == nil {
			fmt.Println("Ledger is empty.")
			return nil
		}

		var fromSeq uint64 = 1
		if last.Seq > uint64(tailLimit) {
			fromSeq = last.Seq - uint64(tailLimit) + 1
		}
		entries, err := st.Query(store.Filter{FromSeq: fromSeq})
		if err != nil {
			return err
		}

		for _, e := range entries {
			outcome := "ok"
			if !e.Success {
				outcome = "FAILED"
			}
			fmt.Printf("%6d  %-30s  %-14s  %-13s  %-12s  %s\n",
				e.Seq, e.Timestamp, e.ActorID, string(e.Action), e.SubjectID, outcome)
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of entries to show")
}

// ============================================================================
// medtrail query
// ============================================================================

var (
	queryActor          string
	querySubject        string
	queryActorPattern   string
	querySubjectPattern string
	queryAction         string
	queryOutcome        string
	querySince          string
	queryUntil          string
	queryLimit          int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Retrieve entries matching filters",
	Long: `Retrieve audit entries. Exact filters (--actor, --subject, --action,
--outcome) are pushed down to the store; --actor-pattern and
--subject-pattern accept glob syntax (e.g. "nurse_*"). Time bounds accept
RFC3339 timestamps or durations relative to now ("24h"). Output is JSON.`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryActor, "actor", "", "Exact actor id")
	queryCmd.Flags().StringVar(&querySubject, "subject", "", "Exact subject id")
	queryCmd.Flags().StringVar(&queryActorPattern, "actor-pattern", "", "Glob pattern on actor id")
	queryCmd.Flags().StringVar(&querySubjectPattern, "subject-pattern", "", "Glob pattern on subject id")
	queryCmd.Flags().StringVar(&queryAction, "action", "", "Action kind")
	queryCmd.Flags().StringVar(&queryOutcome, "outcome", "", "success or failure")
	queryCmd.Flags().StringVar(&querySince, "since", "", "Lower time bound (RFC3339 or duration)")
	queryCmd.Flags().StringVar(&queryUntil, "until", "", "Upper time bound (RFC3339 or duration)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum entries returned (0 = unbounded)")
}

func runQuery(cmd *cobra.Command, args []string) error {
	params := report.Params{
		Actor:          queryActor,
		Subject:        querySubject,
		ActorPattern:   queryActorPattern,
		SubjectPattern: querySubjectPattern,
		Limit:          queryLimit,
	}

	if queryAction != "" {
		action, err := ledger.ParseAction(queryAction)
		if err != nil {
			return err
		}
		params.Action = action
	}
	switch queryOutcome {
	case "":
	case "success":
		ok := true
		params.Success = &ok
	case "failure":
		ok := false
		params.Success = &ok
	default:
		return fmt.Errorf("invalid --outcome %q (use success or failure)", queryOutcome)
	}

	var err error
	if params.Since, err = parseTimeArg(querySince); err != nil {
		return err
	}
	if params.Until, err = parseTimeArg(queryUntil); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := report.New(st).Query(params)
	if err != nil {
		return err
	}
	return printJSON(entries)
}

// ============================================================================
// medtrail report
// ============================================================================

var (
	reportSince string
	reportUntil string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Aggregate report over a time range, with chain integrity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := parseTimeArg(reportSince)
		if err != nil {
			return err
		}
		until, err := parseTimeArg(reportUntil)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		r, err := report.New(st).Build(since, until)
		if err != nil {
			return err
		}
		return printJSON(r)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportSince, "since", "24h", "Lower time bound (RFC3339 or duration)")
	reportCmd.Flags().StringVar(&reportUntil, "until", "", "Upper time bound (RFC3339 or duration)")
}

// ============================================================================
// medtrail verify
// ============================================================================

var (
	verifyFromSeq uint64
	verifyToSeq   uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain's integrity",
	Long: `Recompute every entry's hash and check its link to the previous entry,
in insertion order. Without flags the whole chain is verified against the
genesis constant. With --from-seq/--to-seq a sub-range is verified,
anchored on the entry preceding the range.

Exit status is nonzero when the chain is broken; the JSON result names
the first broken index.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := report.New(st).VerifyRange(verifyFromSeq, verifyToSeq)
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("chain integrity violation at index %d", res.BrokenAt)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFromSeq, "from-seq", 0, "First sequence number to verify")
	verifyCmd.Flags().Uint64Var(&verifyToSeq, "to-seq", 0, "Last sequence number to verify")
}

// ============================================================================
// medtrail anomalies
// ============================================================================

var anomaliesWindow time.Duration

var anomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Run suspicious-activity detection over recent entries",
	Long: `Run the three detection checks — failed-login bursts, after-hours
access, and fan-out access — over the recent window. Thresholds come from
config.yaml. Findings are informational: nothing is blocked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		acfg := anomalyConfig(cfg)
		if anomaliesWindow > 0 {
			acfg.Window = anomaliesWindow
		}
		det, err := anomaly.New(st, acfg)
		if err != nil {
			return err
		}

		findings, err := det.Detect(time.Now())
		if err != nil {
			return err
		}
		return printJSON(findings)
	},
}

func init() {
	anomaliesCmd.Flags().DurationVar(&anomaliesWindow, "window", 0, "Override the detection window (e.g. 2h)")
}

// anomalyConfig maps the YAML anomaly section onto detector config.
func anomalyConfig(cfg *config.Config) anomaly.Config {
	return anomaly.Config{
		Window:               time.Duration(cfg.Anomaly.WindowMinutes) * time.Minute,
		FailedLoginThreshold: cfg.Anomaly.FailedLoginThreshold,
		FanOutThreshold:      cfg.Anomaly.FanOutThreshold,
		NightStartHour:       cfg.Anomaly.NightStartHour,
		NightEndHour:         cfg.Anomaly.NightEndHour,
		Timezone:             cfg.Anomaly.Timezone,
	}
}

// ============================================================================
// medtrail export
// ============================================================================

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all entries as json, jsonl, or csv",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.Query(store.Filter{})
		if err != nil {
			return err
		}

		out := os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("creating export file: %w", err)
			}
			defer f.Close()
			out = f
		}
		return report.Export(out, entries, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: json, jsonl, or csv")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to file instead of stdout")
}

// ============================================================================
// medtrail actions
// ============================================================================

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List action kinds and their permitted metadata keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, a := range ledger.Actions {
			fmt.Printf("%-15s metadata: %s\n", string(a),
				strings.Join(ledger.AllowedMetadataKeys(a), ", "))
		}
		return nil
	},
}

// ============================================================================
// medtrail watch — live feed + periodic anomaly scan
// ============================================================================

var watchScanInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Serve the live entry feed and run periodic anomaly scans",
	Long: `Run a long-lived monitor: new entries stream to WebSocket clients at
ws://<feed.host>:<feed.port>/feed, and the anomaly detector runs on an
interval, logging any findings. Editing config.yaml while running
hot-reloads the detection thresholds.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchScanInterval, "scan-interval", time.Minute, "How often to run anomaly detection")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	det, err := anomaly.New(st, anomalyConfig(cfg))
	if err != nil {
		return err
	}

	// Hot reload: rewriting config.yaml swaps the detection thresholds in
	// place. A broken config is logged and the old thresholds stay.
	watcher, err := config.NewWatcher(configDir, func() {
		newCfg, err := loadConfig()
		if err != nil {
			slog.Error("config reload failed", "error", err)
			return
		}
		if err := det.SetConfig(anomalyConfig(newCfg)); err != nil {
			slog.Error("config reload rejected", "error", err)
			return
		}
		slog.Info("anomaly thresholds reloaded")
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	f := feed.New()
	defer f.Close()

	mux := http.NewServeMux()
	mux.Handle("/feed", f)
	addr := fmt.Sprintf("%s:%d", cfg.Feed.Host, cfg.Feed.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("live feed listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("feed server failed", "error", err)
			stop()
		}
	}()

	go pollNewEntries(ctx, st, f)
	go scanLoop(ctx, det)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// pollNewEntries tails the store and publishes new entries to the feed.
// Polling keeps the watcher decoupled from whichever process appends.
func pollNewEntries(ctx context.Context, st *store.SQLite, f *feed.Feed) {
	var lastSeq uint64
	if tail, err := st.Tail(); err == nil && tail != nil {
		lastSeq = tail.Seq
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := st.Query(store.Filter{FromSeq: lastSeq + 1})
			if err != nil {
				slog.Error("watch: polling entries", "error", err)
				continue
			}
			for _, e := range entries {
				f.Publish(e)
				lastSeq = e.Seq
			}
		}
	}
}

// scanLoop runs anomaly detection on an interval and logs findings.
func scanLoop(ctx context.Context, det *anomaly.Detector) {
	ticker := time.NewTicker(watchScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			findings, err := det.Detect(time.Now())
			if err != nil {
				slog.Error("anomaly scan failed", "error", err)
				continue
			}
			for _, fl := range findings.FailedLogins {
				slog.Warn("failed-login burst", "actor", fl.ActorID, "count", fl.Count)
			}
			if n := len(findings.AfterHours); n > 0 {
				slog.Warn("after-hours access", "entries", n)
			}
			for _, fo := range findings.FanOut {
				slog.Warn("fan-out access", "actor", fo.ActorID, "distinct_subjects", fo.Count)
			}
		}
	}
}

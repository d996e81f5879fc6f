// Package anomaly runs suspicious-activity checks over a recent window of
// audit entries: failed-login bursts, after-hours access, and fan-out
// access across many subjects.
//
// The detector only surfaces signal — it never blocks anything. Findings
// carry the matching entries (access metadata only) for a human or a
// downstream policy engine to act on. Thresholds are injected
// configuration, never constants: compliance requirements vary by
// deployment.
package anomaly

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/store"
)

// Config holds the detection thresholds and window. All fields must be
// set; Default() provides the baseline.
type Config struct {
	// Window is how far back from "now" the detector looks.
	Window time.Duration

	// FailedLoginThreshold flags an actor once its LOGIN_FAILED count
	// within the window exceeds this value.
	FailedLoginThreshold int

	// FanOutThreshold flags an actor once the number of distinct subjects
	// it viewed within the window exceeds this value.
	FanOutThreshold int

	// NightStartHour and NightEndHour bound the after-hours window in
	// local time. The window wraps midnight when start > end
	// (18 and 6 mean 18:00–06:00).
	NightStartHour int
	NightEndHour   int

	// Timezone resolves entry timestamps to local hours for the
	// after-hours check. Empty means the process-local zone.
	Timezone string
}

// Default returns the baseline detection configuration.
func Default() Config {
	return Config{
		Window:               time.Hour,
		FailedLoginThreshold: 5,
		FanOutThreshold:      10,
		NightStartHour:       18,
		NightEndHour:         6,
	}
}

// Validate rejects configurations that would disable a check by accident.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("anomaly window must be positive, got %s", c.Window)
	}
	if c.FailedLoginThreshold < 1 {
		return fmt.Errorf("failed-login threshold must be at least 1, got %d", c.FailedLoginThreshold)
	}
	if c.FanOutThreshold < 1 {
		return fmt.Errorf("fan-out threshold must be at least 1, got %d", c.FanOutThreshold)
	}
	if c.NightStartHour < 0 || c.NightStartHour > 23 || c.NightEndHour < 0 || c.NightEndHour > 23 {
		return fmt.Errorf("night window hours must be 0-23, got %d-%d", c.NightStartHour, c.NightEndHour)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// ActorFinding flags one actor, with the entries that triggered the flag.
type ActorFinding struct {
	ActorID string         `json:"actor_id"`
	Count   int            `json:"count"`
	Entries []ledger.Entry `json:"entries"`
}

// Findings is the result of one detection pass. Empty slices mean nothing
// was flagged; findings are informational, never an error.
type Findings struct {
	FailedLogins []ActorFinding `json:"failed_logins"`
	AfterHours   []ledger.Entry `json:"after_hours"`
	FanOut       []ActorFinding `json:"fan_out"`
}

// Querier is the read surface the detector needs from the store.
type Querier interface {
	Query(f store.Filter) ([]ledger.Entry, error)
}

// Detector runs the three checks against recent entries. The config can
// be swapped at runtime (hot reload); a detection pass sees one coherent
// snapshot of it.
type Detector struct {
	store Querier

	mu  sync.RWMutex
	cfg Config
}

// New returns a Detector reading from q with the given config.
func New(q Querier, cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{store: q, cfg: cfg}, nil
}

// SetConfig replaces the detection thresholds, typically from a config
// file reload.
func (d *Detector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

// Config returns the current detection configuration.
func (d *Detector) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Detect fetches entries from the window ending at now and runs all three
// checks.
func (d *Detector) Detect(now time.Time) (Findings, error) {
	cfg := d.Config()

	since := now.Add(-cfg.Window).UTC().Format(time.RFC3339Nano)
	entries, err := d.store.Query(store.Filter{Since: since})
	if err != nil {
		return Findings{}, fmt.Errorf("fetching entries for anomaly detection: %w", err)
	}
	return Scan(entries, cfg)
}

// Scan runs the three checks over an already-retrieved slice of entries.
// Stateless: the same entries and config always produce the same findings.
func Scan(entries []ledger.Entry, cfg Config) (Findings, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return Findings{}, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
	}

	return Findings{
		FailedLogins: failedLoginBursts(entries, cfg.FailedLoginThreshold),
		AfterHours:   afterHoursAccess(entries, cfg.NightStartHour, cfg.NightEndHour, loc),
		FanOut:       fanOutAccess(entries, cfg.FanOutThreshold),
	}, nil
}

// failedLoginBursts flags actors whose LOGIN_FAILED count exceeds the
// threshold. The actor id may be an unauthenticated identifier such as an
// email address — whatever the caller recorded for the attempt.
func failedLoginBursts(entries []ledger.Entry, threshold int) []ActorFinding {
	byActor := make(map[string][]ledger.Entry)
	for _, e := range entries {
		if e.Action == ledger.ActionLoginFailed {
			byActor[e.ActorID] = append(byActor[e.ActorID], e)
		}
	}
	return collectOverThreshold(byActor, threshold)
}

// afterHoursAccess flags successful entries whose local hour falls in the
// night window. Surfaced for review, not judged malicious.
func afterHoursAccess(entries []ledger.Entry, startHour, endHour int, loc *time.Location) []ledger.Entry {
	var flagged []ledger.Entry
	for _, e := range entries {
		if !e.Success {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			continue
		}
		if hourInWindow(ts.In(loc).Hour(), startHour, endHour) {
			flagged = append(flagged, e)
		}
	}
	return flagged
}

// fanOutAccess flags actors whose VIEW_*-class entries touch more distinct
// subjects than the threshold allows.
func fanOutAccess(entries []ledger.Entry, threshold int) []ActorFinding {
	views := make(map[string][]ledger.Entry)
	subjects := make(map[string]map[string]bool)
	for _, e := range entries {
		if !e.Action.IsView() {
			continue
		}
		views[e.ActorID] = append(views[e.ActorID], e)
		if subjects[e.ActorID] == nil {
			subjects[e.ActorID] = make(map[string]bool)
		}
		subjects[e.ActorID][e.SubjectID] = true
	}

	var findings []ActorFinding
	for actor, touched := range subjects {
		if len(touched) > threshold {
			findings = append(findings, ActorFinding{
				ActorID: actor,
				Count:   len(touched),
				Entries: views[actor],
			})
		}
	}
	sortFindings(findings)
	return findings
}

func collectOverThreshold(byActor map[string][]ledger.Entry, threshold int) []ActorFinding {
	var findings []ActorFinding
	for actor, matched := range byActor {
		if len(matched) > threshold {
			findings = append(findings, ActorFinding{
				ActorID: actor,
				Count:   len(matched),
				Entries: matched,
			})
		}
	}
	sortFindings(findings)
	return findings
}

// sortFindings orders findings by actor id so detection output is stable
// across runs despite map iteration.
func sortFindings(findings []ActorFinding) {
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].ActorID < findings[j].ActorID
	})
}

// hourInWindow reports whether hour falls in [start, end), wrapping
// midnight when start > end.
func hourInWindow(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

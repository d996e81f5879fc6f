package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/store"
)

func utcConfig() Config {
	cfg := Default()
	cfg.Timezone = "UTC"
	return cfg
}

func entryAt(actor, subject string, action ledger.Action, success bool, ts string) ledger.Entry {
	return ledger.Entry{
		ID: actor + "/" + subject + "/" + ts, Timestamp: ts,
		ActorID: actor, SubjectID: subject, Action: action, Success: success,
	}
}

func TestScan_FailedLoginBurst(t *testing.T) {
	// Six failed logins for one actor within a minute, threshold 5.
	var entries []ledger.Entry
	for i := 0; i < 6; i++ {
		ts := fmt.Sprintf("2026-08-01T10:00:%02dZ", i*10)
		entries = append(entries, entryAt("alice@example.com", ledger.SubjectNone, ledger.ActionLoginFailed, false, ts))
	}
	// Another actor under the threshold.
	entries = append(entries, entryAt("bob@example.com", ledger.SubjectNone, ledger.ActionLoginFailed, false, "2026-08-01T10:01:00Z"))

	f, err := Scan(entries, utcConfig())
	require.NoError(t, err)

	require.Len(t, f.FailedLogins, 1)
	assert.Equal(t, "alice@example.com", f.FailedLogins[0].ActorID)
	assert.Equal(t, 6, f.FailedLogins[0].Count)
	assert.Len(t, f.FailedLogins[0].Entries, 6)
}

func TestScan_FailedLoginAtThresholdNotFlagged(t *testing.T) {
	var entries []ledger.Entry
	for i := 0; i < 5; i++ {
		ts := fmt.Sprintf("2026-08-01T10:00:%02dZ", i*10)
		entries = append(entries, entryAt("alice@example.com", ledger.SubjectNone, ledger.ActionLoginFailed, false, ts))
	}

	f, err := Scan(entries, utcConfig())
	require.NoError(t, err)
	assert.Empty(t, f.FailedLogins, "exactly at the threshold is not a burst")
}

func TestScan_FanOut(t *testing.T) {
	// Eleven distinct subjects viewed by one actor, threshold 10.
	var entries []ledger.Entry
	for i := 0; i < 11; i++ {
		subject := fmt.Sprintf("patient-%d", i)
		entries = append(entries, entryAt("nurse_12", subject, ledger.ActionViewPatient, true, "2026-08-01T10:00:00Z"))
	}
	// Repeat views of the same subject don't add to fan-out.
	for i := 0; i < 20; i++ {
		entries = append(entries, entryAt("dr_smith", "patient-1", ledger.ActionViewRecord, true, "2026-08-01T10:00:00Z"))
	}
	// Writes aren't VIEW-class.
	for i := 0; i < 15; i++ {
		subject := fmt.Sprintf("patient-%d", i)
		entries = append(entries, entryAt("admin_3", subject, ledger.ActionUpdateRecord, true, "2026-08-01T10:00:00Z"))
	}

	f, err := Scan(entries, utcConfig())
	require.NoError(t, err)

	require.Len(t, f.FanOut, 1)
	assert.Equal(t, "nurse_12", f.FanOut[0].ActorID)
	assert.Equal(t, 11, f.FanOut[0].Count)
	assert.Len(t, f.FanOut[0].Entries, 11)
}

func TestScan_AfterHours(t *testing.T) {
	entries := []ledger.Entry{
		entryAt("dr_smith", "patient-1", ledger.ActionViewPatient, true, "2026-08-01T23:30:00Z"),  // night
		entryAt("dr_smith", "patient-2", ledger.ActionViewPatient, true, "2026-08-01T05:59:00Z"),  // night
		entryAt("dr_smith", "patient-3", ledger.ActionViewPatient, true, "2026-08-01T12:00:00Z"),  // day
		entryAt("dr_smith", "patient-4", ledger.ActionViewPatient, false, "2026-08-01T23:45:00Z"), // night, but failed
		entryAt("dr_smith", "patient-5", ledger.ActionViewPatient, true, "2026-08-01T18:00:00Z"),  // window start
		entryAt("dr_smith", "patient-6", ledger.ActionViewPatient, true, "2026-08-01T06:00:00Z"),  // window end, excluded
	}

	f, err := Scan(entries, utcConfig())
	require.NoError(t, err)

	require.Len(t, f.AfterHours, 3)
	for _, e := range f.AfterHours {
		assert.True(t, e.Success)
		assert.NotEqual(t, "patient-3", e.SubjectID)
		assert.NotEqual(t, "patient-6", e.SubjectID)
	}
}

func TestHourInWindow(t *testing.T) {
	tests := []struct {
		hour, start, end int
		want             bool
	}{
		{23, 18, 6, true},
		{18, 18, 6, true},
		{3, 18, 6, true},
		{6, 18, 6, false},
		{12, 18, 6, false},
		{10, 9, 17, true},
		{8, 9, 17, false},
		{5, 5, 5, false},
	}
	for _, tt := range tests {
		got := hourInWindow(tt.hour, tt.start, tt.end)
		assert.Equal(t, tt.want, got, "hour %d in [%d,%d)", tt.hour, tt.start, tt.end)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"zero window", func(c *Config) { c.Window = 0 }, false},
		{"zero failed-login threshold", func(c *Config) { c.FailedLoginThreshold = 0 }, false},
		{"zero fan-out threshold", func(c *Config) { c.FanOutThreshold = 0 }, false},
		{"hour out of range", func(c *Config) { c.NightStartHour = 24 }, false},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, false},
		{"named timezone", func(c *Config) { c.Timezone = "America/Chicago" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// windowQuerier records the Since bound it was asked for.
type windowQuerier struct {
	gotSince string
	entries  []ledger.Entry
}

func (q *windowQuerier) Query(f store.Filter) ([]ledger.Entry, error) {
	q.gotSince = f.Since
	return q.entries, nil
}

func TestDetect_UsesConfiguredWindow(t *testing.T) {
	q := &windowQuerier{}
	cfg := utcConfig()
	cfg.Window = 30 * time.Minute

	d, err := New(q, cfg)
	require.NoError(t, err)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_, err = d.Detect(now)
	require.NoError(t, err)

	assert.Equal(t, "2026-08-01T11:30:00Z", q.gotSince)
}

func TestSetConfig_HotReload(t *testing.T) {
	d, err := New(&windowQuerier{}, utcConfig())
	require.NoError(t, err)

	cfg := utcConfig()
	cfg.FanOutThreshold = 3
	require.NoError(t, d.SetConfig(cfg))
	assert.Equal(t, 3, d.Config().FanOutThreshold)

	cfg.Window = -time.Hour
	assert.Error(t, d.SetConfig(cfg), "invalid config must not replace a valid one")
	assert.Equal(t, 3, d.Config().FanOutThreshold)
}

package ledger

import (
	"fmt"
	"sort"
)

// Action is one of the closed set of auditable access kinds. Free-form
// action strings are rejected at append time — the set is closed so that
// queries, reports, and the anomaly detector can reason about action
// classes without string matching.
type Action string

const (
	ActionLogin        Action = "LOGIN"
	ActionLoginFailed  Action = "LOGIN_FAILED"
	ActionLogout       Action = "LOGOUT"
	ActionViewPatient  Action = "VIEW_PATIENT"
	ActionViewRecord   Action = "VIEW_RECORD"
	ActionCreateRecord Action = "CREATE_RECORD"
	ActionUpdateRecord Action = "UPDATE_RECORD"
	ActionDeleteRecord Action = "DELETE_RECORD"
	ActionExportData   Action = "EXPORT_DATA"
	ActionPrintRecord  Action = "PRINT_RECORD"
	ActionSearch       Action = "SEARCH"
	ActionSystem       Action = "SYSTEM_EVENT"
)

// ActorSystem is the actor identifier for events not attributable to a
// principal (startup, maintenance, scheduled jobs).
const ActorSystem = "SYSTEM"

// SubjectNone is the subject identifier for events that concern no patient
// record (logins, system events). It keeps subject_id non-empty without
// ever naming a person.
const SubjectNone = "NONE"

// Actions lists every valid action kind, in a stable order.
var Actions = []Action{
	ActionLogin, ActionLoginFailed, ActionLogout,
	ActionViewPatient, ActionViewRecord,
	ActionCreateRecord, ActionUpdateRecord, ActionDeleteRecord,
	ActionExportData, ActionPrintRecord, ActionSearch, ActionSystem,
}

var validActions = func() map[Action]bool {
	m := make(map[Action]bool, len(Actions))
	for _, a := range Actions {
		m[a] = true
	}
	return m
}()

// ParseAction converts a string into an Action, rejecting anything outside
// the closed set.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !validActions[a] {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Valid reports whether a belongs to the closed action set.
func (a Action) Valid() bool {
	return validActions[a]
}

// IsView reports whether the action is a VIEW_*-class read of a subject's
// data. The fan-out detector counts distinct subjects touched by these.
func (a Action) IsView() bool {
	return a == ActionViewPatient || a == ActionViewRecord
}

// commonMetadataKeys are permitted on every action kind. They describe
// request context, never clinical content.
var commonMetadataKeys = map[string]bool{
	"session_id":    true,
	"resource_type": true,
	"request_id":    true,
	"user_agent":    true,
}

// actionMetadataKeys extends the common set per action kind. The allowlist
// is the enforcement point for the no-PHI invariant: an entry can only
// carry field identifiers, counts, and enumerated categories under these
// keys, so clinical values have no place to land.
var actionMetadataKeys = map[Action]map[string]bool{
	ActionLogin:       {"auth_method": true},
	ActionLoginFailed: {"auth_method": true, "failure_reason": true},
	ActionLogout:      {"auth_method": true},
	ActionSearch:      {"query_fields": true, "result_count": true},
	ActionExportData:  {"export_format": true, "record_count": true},
	ActionPrintRecord: {"page_count": true},
	ActionSystem:      {"component": true, "detail_code": true},
}

// metadataKeyAllowed reports whether key may appear in metadata for the
// given action.
func metadataKeyAllowed(a Action, key string) bool {
	if commonMetadataKeys[key] {
		return true
	}
	return actionMetadataKeys[a][key]
}

// AllowedMetadataKeys returns the sorted set of metadata keys permitted for
// an action. Used by callers building events and by `medtrail log` help
// output.
func AllowedMetadataKeys(a Action) []string {
	keys := make([]string, 0, len(commonMetadataKeys)+len(actionMetadataKeys[a]))
	for k := range commonMetadataKeys {
		keys = append(keys, k)
	}
	for k := range actionMetadataKeys[a] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry is a single immutable audit record of one access event. Once Hash
// is assigned the entry is never mutated or deleted; the hash chain links
// it to its predecessor via PrevHash, making retroactive edits detectable.
//
// Field order here is the canonical serialization order used for hashing —
// see ComputeHash.
type Entry struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Timestamp string            `json:"ts"`
	ActorID   string            `json:"actor_id"`
	SubjectID string            `json:"subject_id"`
	Action    Action            `json:"action"`
	Origin    string            `json:"origin,omitempty"`
	Success   bool              `json:"success"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	PrevHash  string            `json:"prev_hash"`
	Hash      string            `json:"hash"`
}

// Event describes an auditable action before it is chained. The appender
// fills in ID, Seq, Timestamp, PrevHash, and Hash.
type Event struct {
	ActorID   string
	SubjectID string
	Action    Action
	Success   bool
	Origin    string
	Metadata  map[string]string
}

// Validate rejects malformed events before anything is hashed or chained.
func (ev Event) Validate() error {
	if ev.ActorID == "" {
		return fmt.Errorf("event missing actor id")
	}
	if ev.SubjectID == "" {
		return fmt.Errorf("event missing subject id")
	}
	if !ev.Action.Valid() {
		return fmt.Errorf("unknown action %q", string(ev.Action))
	}
	for k := range ev.Metadata {
		if !metadataKeyAllowed(ev.Action, k) {
			return fmt.Errorf("metadata key %q not permitted for action %s", k, ev.Action)
		}
	}
	return nil
}

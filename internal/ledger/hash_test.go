package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash_Deterministic(t *testing.T) {
	e := &Entry{
		ID:        "e1",
		Seq:       1,
		Timestamp: "2026-08-01T10:00:00Z",
		ActorID:   "dr_smith",
		SubjectID: "patient-42",
		Action:    ActionViewPatient,
		Origin:    "10.0.0.5",
		Success:   true,
		PrevHash:  GenesisHash,
	}

	h1 := ComputeHash(e)
	h2 := ComputeHash(e)

	assert.Equal(t, h1, h2, "same input must produce the same digest")
	assert.True(t, strings.HasPrefix(h1, "sha256:"), "digest should be prefixed, got %q", h1)
}

func TestComputeHash_MetadataOrderIndependent(t *testing.T) {
	// Two logically equal entries whose metadata maps were populated in
	// different insertion orders must hash identically.
	m1 := map[string]string{}
	m1["session_id"] = "s-9"
	m1["resource_type"] = "medication_list"
	m1["request_id"] = "r-1"

	m2 := map[string]string{}
	m2["request_id"] = "r-1"
	m2["resource_type"] = "medication_list"
	m2["session_id"] = "s-9"

	base := Entry{
		ID: "e1", Seq: 3, Timestamp: "2026-08-01T10:00:00Z",
		ActorID: "nurse_12", SubjectID: "patient-7",
		Action: ActionViewRecord, Success: true, PrevHash: GenesisHash,
	}

	a, b := base, base
	a.Metadata = m1
	b.Metadata = m2

	assert.Equal(t, ComputeHash(&a), ComputeHash(&b))
}

func TestComputeHash_SensitiveToEveryField(t *testing.T) {
	base := Entry{
		ID:        "e1",
		Seq:       1,
		Timestamp: "2026-08-01T10:00:00Z",
		ActorID:   "dr_smith",
		SubjectID: "patient-42",
		Action:    ActionViewPatient,
		Origin:    "10.0.0.5",
		Success:   true,
		Metadata:  map[string]string{"session_id": "s-1"},
		PrevHash:  GenesisHash,
	}
	baseHash := ComputeHash(&base)

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"id", func(e *Entry) { e.ID = "e2" }},
		{"seq", func(e *Entry) { e.Seq = 99 }},
		{"timestamp", func(e *Entry) { e.Timestamp = "2026-12-31T00:00:00Z" }},
		{"actor", func(e *Entry) { e.ActorID = "dr_jones" }},
		{"subject", func(e *Entry) { e.SubjectID = "patient-43" }},
		{"action", func(e *Entry) { e.Action = ActionUpdateRecord }},
		{"origin", func(e *Entry) { e.Origin = "10.0.0.6" }},
		{"success", func(e *Entry) { e.Success = false }},
		{"metadata value", func(e *Entry) { e.Metadata = map[string]string{"session_id": "s-2"} }},
		{"metadata key", func(e *Entry) { e.Metadata = map[string]string{"request_id": "s-1"} }},
		{"prev_hash", func(e *Entry) { e.PrevHash = "sha256:other" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			modified := base
			tt.modify(&modified)
			assert.NotEqual(t, baseHash, ComputeHash(&modified),
				"changing %s must change the digest", tt.name)
		})
	}
}

func TestComputeHash_DelimitersCannotShiftContent(t *testing.T) {
	base := Entry{
		ID: "e1", Seq: 1, Timestamp: "2026-08-01T10:00:00Z",
		ActorID: "dr_smith", SubjectID: "patient-42",
		Action: ActionSearch, Success: true, PrevHash: GenesisHash,
	}

	// Each pair serializes to the same byte stream under a naive
	// unescaped encoding; the digests must differ.
	tests := []struct {
		name string
		a, b func(e *Entry)
	}{
		{
			"metadata value absorbing a pair",
			func(e *Entry) {
				e.Metadata = map[string]string{"query_fields": "name", "result_count": "5"}
			},
			func(e *Entry) {
				e.Metadata = map[string]string{"query_fields": "name&result_count=5"}
			},
		},
		{
			"metadata separator inside a value",
			func(e *Entry) {
				e.Metadata = map[string]string{"query_fields": "name=mrn"}
			},
			func(e *Entry) {
				e.Metadata = map[string]string{"query_fields=name": "mrn"}
			},
		},
		{
			"field separator inside actor id",
			func(e *Entry) { e.ActorID = "a|b"; e.SubjectID = "c" },
			func(e *Entry) { e.ActorID = "a"; e.SubjectID = "b|c" },
		},
		{
			"field separator inside origin",
			func(e *Entry) { e.Origin = "10.0.0.5|true"; e.Success = false },
			func(e *Entry) { e.Origin = "10.0.0.5"; e.Success = true },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ea, eb := base, base
			tt.a(&ea)
			tt.b(&eb)
			assert.NotEqual(t, ComputeHash(&ea), ComputeHash(&eb),
				"structurally different entries must not share a digest")
		})
	}
}

func TestVerifyChain_DetectsDelimiterShiftingTamper(t *testing.T) {
	e := Entry{
		ID: "e1", Seq: 1, Timestamp: "2026-08-01T10:00:00Z",
		ActorID: "dr_smith", SubjectID: "patient-42",
		Action: ActionSearch, Success: true, PrevHash: GenesisHash,
		Metadata: map[string]string{"query_fields": "name", "result_count": "5"},
	}
	e.Hash = ComputeHash(&e)

	// Collapse two metadata pairs into one value carrying the delimiters,
	// as a storage-level edit could.
	tampered := e
	tampered.Metadata = map[string]string{"query_fields": "name&result_count=5"}

	res := VerifyChain([]Entry{tampered}, GenesisHash)
	require.False(t, res.Valid)
	assert.Equal(t, 0, res.BrokenAt)
}

func TestVerifyEntry(t *testing.T) {
	e := &Entry{
		ID: "e1", Seq: 1, Timestamp: "2026-08-01T10:00:00Z",
		ActorID: "dr_smith", SubjectID: "patient-42",
		Action: ActionViewPatient, Success: true, PrevHash: GenesisHash,
	}
	e.Hash = ComputeHash(e)
	require.True(t, verifyEntry(e))

	e.Success = false
	assert.False(t, verifyEntry(e), "tampered field must fail verification")
}

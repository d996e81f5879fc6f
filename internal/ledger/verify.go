package ledger

// VerifyResult is the outcome of a chain verification pass.
//
// BrokenAt is the zero-based index (within the verified slice) of the
// first entry that failed, and is -1 when the chain is valid. Verification
// stops at the first break: everything downstream of a break is untrusted
// anyway, and the earliest index is the actionable signal.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// VerifyChain walks entries in their original append order (ascending by
// Seq — never by timestamp, so clock skew cannot mask tampering) and
// checks, for each entry, that its stored hash matches a recomputation
// over its fields and that its PrevHash matches its predecessor's hash.
//
// priorHash is the hash expected immediately before the range: pass
// GenesisHash when entries starts at the beginning of the chain, the
// preceding entry's hash for an interior range, or UnknownPrior to skip
// the first link and assert internal consistency only.
func VerifyChain(entries []Entry, priorHash string) VerifyResult {
	for i := range entries {
		e := &entries[i]

		if expected := ComputeHash(e); e.Hash != expected {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   expected,
				ActualHash:     e.Hash,
			}
		}

		var want string
		switch {
		case i > 0:
			want = entries[i-1].Hash
		case priorHash != UnknownPrior:
			want = priorHash
		default:
			continue
		}
		if e.PrevHash != want {
			return VerifyResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenAt:       i,
				ExpectedHash:   want,
				ActualHash:     e.PrevHash,
			}
		}
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries), BrokenAt: -1}
}

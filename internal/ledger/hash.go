// Package ledger implements the tamper-evident, hash-chained audit ledger.
//
// Every access to protected health information is recorded as an Entry.
// Each entry's hash covers its own fields plus the previous entry's hash,
// forming a chain where editing any stored entry breaks verification from
// that point forward. The ledger records metadata about access — actor,
// subject, action kind, outcome — never clinical content.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// GenesisHash is the fixed previous-hash value of the first entry in an
// empty chain.
const GenesisHash = "sha256:genesis"

// UnknownPrior tells VerifyChain that the hash preceding the supplied range
// is not known. The first entry's linkage is then not checked, and the
// result only asserts the range's internal consistency.
const UnknownPrior = ""

// ComputeHash calculates the SHA-256 digest for an entry over its canonical
// serialization. The field sequence is fixed and the metadata keys are
// sorted lexicographically, so the same logical entry produces the same
// digest regardless of map iteration order, process restarts, or which
// implementation computes it.
//
// Canonical form:
//
//	prev_hash|seq|id|ts|actor_id|subject_id|action|origin|success|k1=v1&k2=v2
//
// Free-form fields (id, actor, subject, origin) and metadata keys/values
// are percent-escaped so the delimiters |, &, and = cannot occur inside a
// field. Without that, the encoding is not injective: two different
// entries could serialize identically, and a mutation that shifts content
// across a delimiter would keep the digest unchanged.
//
// Returns a prefixed digest string: "sha256:<hex>".
func ComputeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s|%t|%s",
		e.PrevHash, e.Seq, escapeField(e.ID), e.Timestamp,
		escapeField(e.ActorID), escapeField(e.SubjectID),
		e.Action, escapeField(e.Origin), e.Success,
		canonicalMetadata(e.Metadata))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// escapeField percent-escapes a free-form field for the canonical form.
// Timestamp, seq, action, and the hash fields have closed alphabets and
// need no escaping.
func escapeField(s string) string {
	return url.QueryEscape(s)
}

// canonicalMetadata renders a metadata map as "k=v" pairs joined by "&",
// with keys sorted and both keys and values percent-escaped. Relying on
// map iteration order would let two equal entries hash differently;
// unescaped values would let two different maps hash identically.
func canonicalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(m[k]))
	}
	return b.String()
}

// verifyEntry checks whether an entry's stored hash matches its contents.
func verifyEntry(e *Entry) bool {
	return e.Hash == ComputeHash(e)
}

package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/medtrail/medtrail/internal/ledger"
)

// Export writes entries to w in the requested format: "jsonl" (default),
// "json", or "csv". CSV flattens the metadata map into its canonical
// sorted "k=v&k=v" form so rows stay one line.
func Export(w io.Writer, entries []ledger.Entry, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		header := []string{"seq", "id", "ts", "actor_id", "subject_id", "action", "origin", "success", "prev_hash", "hash"}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, e := range entries {
			row := []string{
				strconv.FormatUint(e.Seq, 10),
				e.ID,
				e.Timestamp,
				e.ActorID,
				e.SubjectID,
				string(e.Action),
				e.Origin,
				strconv.FormatBool(e.Success),
				e.PrevHash,
				e.Hash,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

package audit

import (
	"fmt"
	"time"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusFail = "fail"
	StatusWarn = "warn"
)

// Result is the outcome of Verify.
type Result struct {
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

// Check is one named verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Counts returns the number of failed and warning checks.
func (r Result) Counts() (failures, warnings int) {
	for _, c := range r.Checks {
		switch c.Status {
		case StatusFail:
			failures++
		case StatusWarn:
			warnings++
		}
	}
	return failures, warnings
}

func (r *Result) pass(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: StatusPass, Detail: detail})
}

func (r *Result) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, Check{Name: name, Status: StatusFail, Detail: detail})
}

func (r *Result) warn(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: StatusWarn, Detail: detail})
}

// Verify checks the integrity of entries, which must be in sequence order.
// tipHash is the hash recorded by the trail head; pass an empty string to
// skip the tip check.
func Verify(entries []Entry, tipHash string) Result {
	result := Result{EntryCount: len(entries), Valid: true}

	if len(entries) == 0 {
		result.pass("empty_chain", "no entries to verify")
		if tipHash != "" && tipHash != GenesisHash {
			result.fail("tip_anchor", "trail head points past an empty chain")
		}
		return result
	}

	if entries[0].PrevHash == GenesisHash {
		result.pass("genesis_anchor", "")
	} else {
		result.fail("genesis_anchor", fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	chainDetail := ""
	for i := 1; i < len(entries); i++ {
		expected := entries[i-1].Hash()
		if entries[i].PrevHash != expected {
			chainDetail = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s (computed from entry %d)",
				i, entries[i].ID, entries[i].PrevHash, expected, i-1)
			break
		}
	}
	if chainDetail == "" {
		result.pass("chain_continuity", fmt.Sprintf("all %d entries link correctly", len(entries)))
	} else {
		result.fail("chain_continuity", chainDetail)
	}

	seqDetail := ""
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			seqDetail = fmt.Sprintf("entry %d has seq=%d, expected %d", i, e.Seq, i+1)
			break
		}
	}
	if seqDetail == "" {
		result.pass("contiguous_sequence", "")
	} else {
		result.fail("contiguous_sequence", seqDetail)
	}

	seen := make(map[string]int, len(entries))
	dupDetail := ""
	for i, e := range entries {
		if prev, ok := seen[e.ID]; ok {
			dupDetail = fmt.Sprintf("entry %d and entry %d share id=%s", prev, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	if dupDetail == "" {
		result.pass("no_duplicate_ids", "")
	} else {
		result.fail("no_duplicate_ids", dupDetail)
	}

	// Clock skew is legitimate, so ordering problems only warn.
	tsDetail := ""
	allParsed := true
	var prevTime time.Time
	for i, e := range entries {
		t, err := parseTimestamp(e.CreatedAt)
		if err != nil {
			allParsed = false
			continue
		}
		if !prevTime.IsZero() && t.Before(prevTime) {
			tsDetail = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prevTime = t
	}
	switch {
	case tsDetail != "":
		result.warn("monotonic_timestamps", tsDetail)
	case !allParsed:
		result.warn("monotonic_timestamps", "some timestamps could not be parsed")
	default:
		result.pass("monotonic_timestamps", "")
	}

	if tipHash != "" {
		if last := entries[len(entries)-1].Hash(); last == tipHash {
			result.pass("tip_anchor", "")
		} else {
			result.fail("tip_anchor", fmt.Sprintf("last entry hashes to %s but trail head records %s", last, tipHash))
		}
	}

	return result
}

// parseTimestamp parses RFC3339Nano, falling back to RFC3339.
func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

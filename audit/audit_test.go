package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironhall/storage"
	"github.com/jmcleod/ironhall/storage/memory"
)

func newTestTrail(t *testing.T) (*Trail, storage.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	trail := NewTrail(repo)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	trail.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return trail, repo
}

func appendN(t *testing.T, trail *Trail, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	for i := range n {
		e, err := trail.Append(context.Background(), Entry{
			Event:  "register",
			UserID: fmt.Sprintf("@user%d:example.org", i),
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func findCheck(t *testing.T, r Result, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not present", name)
	return Check{}
}

func TestAppendLinksEntries(t *testing.T) {
	trail, _ := newTestTrail(t)
	appended := appendN(t, trail, 3)

	assert.Equal(t, GenesisHash, appended[0].PrevHash)
	assert.Equal(t, appended[0].Hash(), appended[1].PrevHash)
	assert.Equal(t, appended[1].Hash(), appended[2].PrevHash)
	assert.Equal(t, uint64(3), appended[2].Seq)

	seq, tip, err := trail.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, appended[2].Hash(), tip)
}

func TestEntriesInSequenceOrder(t *testing.T) {
	trail, _ := newTestTrail(t)
	appended := appendN(t, trail, 12)

	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 12)
	for i, e := range entries {
		assert.Equal(t, appended[i].ID, e.ID)
	}
}

func TestEmptyTrail(t *testing.T) {
	trail, _ := newTestTrail(t)

	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	seq, tip, err := trail.Tip(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Equal(t, GenesisHash, tip)

	result := Verify(entries, tip)
	assert.True(t, result.Valid)
	require.Len(t, result.Checks, 1)
	assert.Equal(t, "empty_chain", result.Checks[0].Name)
}

func TestConcurrentAppendsKeepChain(t *testing.T) {
	trail := NewTrail(memory.NewRepository())
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := trail.Append(context.Background(), Entry{Event: "deactivate"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)
	_, tip, err := trail.Tip(context.Background())
	require.NoError(t, err)
	result := Verify(entries, tip)
	assert.True(t, result.Valid, "%+v", result.Checks)
	assert.Equal(t, 20, result.EntryCount)
}

func TestVerifyValidChain(t *testing.T) {
	trail, _ := newTestTrail(t)
	appendN(t, trail, 5)
	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)
	_, tip, err := trail.Tip(context.Background())
	require.NoError(t, err)

	result := Verify(entries, tip)
	assert.True(t, result.Valid)
	for _, c := range result.Checks {
		assert.Equal(t, StatusPass, c.Status, "check %s", c.Name)
	}
	failures, warnings := result.Counts()
	assert.Zero(t, failures)
	assert.Zero(t, warnings)
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail, _ := newTestTrail(t)
	appendN(t, trail, 4)
	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)

	entries[1].UserID = "@mallory:example.org"
	result := Verify(entries, "")
	assert.False(t, result.Valid)
	assert.Equal(t, StatusFail, findCheck(t, result, "chain_continuity").Status)
}

func TestVerifyBadGenesis(t *testing.T) {
	trail, _ := newTestTrail(t)
	appendN(t, trail, 2)
	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)

	entries[0].PrevHash = "abc"
	result := Verify(entries, "")
	assert.False(t, result.Valid)
	assert.Equal(t, StatusFail, findCheck(t, result, "genesis_anchor").Status)
}

func TestVerifyDetectsTruncation(t *testing.T) {
	trail, _ := newTestTrail(t)
	appendN(t, trail, 3)
	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)
	_, tip, err := trail.Tip(context.Background())
	require.NoError(t, err)

	result := Verify(entries[:2], tip)
	assert.False(t, result.Valid)
	assert.Equal(t, StatusFail, findCheck(t, result, "tip_anchor").Status)
	assert.Equal(t, StatusPass, findCheck(t, result, "chain_continuity").Status)
}

func TestVerifyDetectsGap(t *testing.T) {
	trail, _ := newTestTrail(t)
	appendN(t, trail, 3)
	entries, err := trail.Entries(context.Background())
	require.NoError(t, err)

	result := Verify([]Entry{entries[0], entries[2]}, "")
	assert.False(t, result.Valid)
	assert.Equal(t, StatusFail, findCheck(t, result, "contiguous_sequence").Status)
}

func TestVerifyDuplicateIDs(t *testing.T) {
	e := Entry{ID: "same", Seq: 1, Event: "register", CreatedAt: "2026-01-01T00:00:00Z", PrevHash: GenesisHash}
	dup := Entry{ID: "same", Seq: 2, Event: "register", CreatedAt: "2026-01-01T00:00:01Z", PrevHash: e.Hash()}

	result := Verify([]Entry{e, dup}, "")
	assert.False(t, result.Valid)
	assert.Equal(t, StatusFail, findCheck(t, result, "no_duplicate_ids").Status)
}

func TestVerifyClockSkewOnlyWarns(t *testing.T) {
	first := Entry{ID: "a", Seq: 1, Event: "register", CreatedAt: "2026-01-01T00:00:05Z", PrevHash: GenesisHash}
	second := Entry{ID: "b", Seq: 2, Event: "register", CreatedAt: "2026-01-01T00:00:01Z", PrevHash: first.Hash()}

	result := Verify([]Entry{first, second}, second.Hash())
	assert.True(t, result.Valid)
	assert.Equal(t, StatusWarn, findCheck(t, result, "monotonic_timestamps").Status)
	_, warnings := result.Counts()
	assert.Equal(t, 1, warnings)
}

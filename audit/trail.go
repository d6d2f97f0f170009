// Package audit keeps a tamper-evident trail of account lifecycle events.
//
// Every entry carries the SHA-256 link of its predecessor, starting from
// GenesisHash. The trail lives in its own repository bucket so appends are
// atomic with the head pointer that tracks the chain tip.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/ironhall/storage"
)

const (
	trailBucket     = "__audit"
	entryRecordType = "ENTRY"
	headRecordType  = "HEAD"
	headRecordID    = "tip"
	maxCASRetries   = 16
)

// GenesisHash is the prev_hash of the first entry in a trail.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one link in the audit chain.
type Entry struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Event      string            `json:"event"`
	UserID     string            `json:"user_id,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	CreatedAt  string            `json:"created_at"`
	PrevHash   string            `json:"prev_hash"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// Hash returns the chain link that the next entry must carry as PrevHash.
func (e Entry) Hash() string {
	return ChainHash(e.ID, e.PrevHash, e.CreatedAt, e.Event, e.UserID)
}

// ChainHash computes SHA-256(id || prevHash || createdAt || event || userID).
func ChainHash(id, prevHash, createdAt, event, userID string) string {
	h := sha256.Sum256([]byte(id + prevHash + createdAt + event + userID))
	return hex.EncodeToString(h[:])
}

type head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Trail appends and reads entries in a storage.Repository.
type Trail struct {
	repo storage.Repository
	now  func() time.Time
}

// NewTrail returns a trail stored in repo.
func NewTrail(repo storage.Repository) *Trail {
	return &Trail{repo: repo, now: time.Now}
}

// Append links e onto the chain tip. ID, Seq, CreatedAt and PrevHash are
// assigned here; any values set by the caller are overwritten.
func (t *Trail) Append(ctx context.Context, e Entry) (Entry, error) {
	for range maxCASRetries {
		var out Entry
		err := t.repo.Batch(ctx, trailBucket, func(tx storage.BatchTx) error {
			tip := head{Hash: GenesisHash}
			var version uint64
			env, err := tx.Get(headRecordType, headRecordID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
			case err != nil:
				return err
			default:
				if err := storage.DecodeJSON(env, &tip); err != nil {
					return err
				}
				version = env.Version
			}

			out = e
			out.ID = uuid.NewString()
			out.Seq = tip.Seq + 1
			out.CreatedAt = t.now().UTC().Format(time.RFC3339Nano)
			out.PrevHash = tip.Hash

			entryEnv, err := storage.EncodeJSON(out, 1)
			if err != nil {
				return err
			}
			if err := tx.Put(entryRecordType, seqKey(out.Seq), entryEnv); err != nil {
				return err
			}
			headEnv, err := storage.EncodeJSON(head{Seq: out.Seq, Hash: out.Hash()}, version+1)
			if err != nil {
				return err
			}
			return tx.PutCAS(headRecordType, headRecordID, version, headEnv)
		})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("appending audit entry: %w", err)
		}
		return out, nil
	}
	return Entry{}, fmt.Errorf("appending audit entry: %w", storage.ErrCASFailed)
}

// Entries returns the whole chain in sequence order.
func (t *Trail) Entries(ctx context.Context) ([]Entry, error) {
	ids, err := t.repo.List(ctx, trailBucket, entryRecordType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		env, err := t.repo.Get(ctx, trailBucket, entryRecordType, id)
		if err != nil {
			return nil, fmt.Errorf("reading audit entry %s: %w", id, err)
		}
		var e Entry
		if err := storage.DecodeJSON(env, &e); err != nil {
			return nil, fmt.Errorf("reading audit entry %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// Tip returns the hash the next entry will link to and the sequence number
// of the last entry.
func (t *Trail) Tip(ctx context.Context) (uint64, string, error) {
	env, err := t.repo.Get(ctx, trailBucket, headRecordType, headRecordID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, GenesisHash, nil
	}
	if err != nil {
		return 0, "", err
	}
	var tip head
	if err := storage.DecodeJSON(env, &tip); err != nil {
		return 0, "", err
	}
	return tip.Seq, tip.Hash, nil
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

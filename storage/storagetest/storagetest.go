// Package storagetest holds the conformance suite every storage.Repository
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/jmcleod/ironhall/storage"
)

func envelope(payload string, version uint64) *storage.Envelope {
	return &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(payload), Version: version}
}

// Run exercises repo against the storage.Repository contract. The repository
// must be empty when Run is called.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(ctx, "b1", "USER", "u1", envelope(`"alice"`, 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "b1", "USER", "u1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Ciphertext) != `"alice"` || got.Version != 1 || got.Scheme != storage.SchemePlainJSON {
			t.Errorf("unexpected envelope: %+v", got)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.Get(ctx, "missing-bucket", "USER", "u1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing bucket, got %v", err)
		}
		if _, err := repo.Get(ctx, "b1", "USER", "nobody"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing record, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		_ = repo.Put(ctx, "b2", "DEVICE", "d1", envelope(`1`, 0))
		_ = repo.Put(ctx, "b2", "DEVICE", "d2", envelope(`2`, 0))
		_ = repo.Put(ctx, "b2", "DEVICEX", "d3", envelope(`3`, 0))
		ids, err := repo.List(ctx, "b2", "DEVICE")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if fmt.Sprint(ids) != "[d1 d2]" {
			t.Errorf("expected [d1 d2], got %v", ids)
		}
		ids, err = repo.List(ctx, "no-such-bucket", "DEVICE")
		if err != nil || len(ids) != 0 {
			t.Errorf("expected empty list for missing bucket, got %v, %v", ids, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = repo.Put(ctx, "b3", "TOKEN", "t1", envelope(`{}`, 0))
		if err := repo.Delete(ctx, "b3", "TOKEN", "t1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "b3", "TOKEN", "t1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected deleted record to be gone, got %v", err)
		}
		if err := repo.Delete(ctx, "b3", "TOKEN", "t1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		if err := repo.PutCAS(ctx, "b4", "SESSION", "s1", 0, envelope(`1`, 1)); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "b4", "SESSION", "s1", 0, envelope(`1`, 1)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
		}
		if err := repo.PutCAS(ctx, "b4", "SESSION", "s1", 1, envelope(`2`, 2)); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "b4", "SESSION", "s1", 1, envelope(`3`, 3)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
		if err := repo.PutCAS(ctx, "b4", "SESSION", "missing", 4, envelope(`4`, 5)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on non-zero version for missing record, got %v", err)
		}
		got, _ := repo.Get(ctx, "b4", "SESSION", "s1")
		if got.Version != 2 || string(got.Ciphertext) != `2` {
			t.Errorf("unexpected record after CAS: %+v", got)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, "b5", func(tx storage.BatchTx) error {
			if err := tx.Put("EVENT", "e1", envelope(`"create"`, 0)); err != nil {
				return err
			}
			got, err := tx.Get("EVENT", "e1")
			if err != nil {
				return fmt.Errorf("read-your-writes: %w", err)
			}
			if string(got.Ciphertext) != `"create"` {
				return fmt.Errorf("unexpected in-batch read %q", got.Ciphertext)
			}
			return tx.PutCAS("META", "room", 0, envelope(`{"depth":1}`, 1))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := repo.Get(ctx, "b5", "META", "room"); err != nil {
			t.Errorf("expected committed META record, got %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, "b5", func(tx storage.BatchTx) error {
			_ = tx.Put("EVENT", "e2", envelope(`"join"`, 0))
			_ = tx.Delete("EVENT", "e1")
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected batch error to propagate, got %v", err)
		}
		if _, err := repo.Get(ctx, "b5", "EVENT", "e2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected rolled back write, got %v", err)
		}
		if _, err := repo.Get(ctx, "b5", "EVENT", "e1"); err != nil {
			t.Errorf("expected rolled back delete, got %v", err)
		}
	})

	t.Run("ConcurrentCASIncrement", func(t *testing.T) {
		const workers = 8
		if err := repo.PutCAS(ctx, "b6", "COUNTER", "c", 0, envelope(`0`, 1)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					cur, err := repo.Get(ctx, "b6", "COUNTER", "c")
					if err != nil {
						t.Errorf("Get failed: %v", err)
						return
					}
					err = repo.PutCAS(ctx, "b6", "COUNTER", "c", cur.Version, envelope(`0`, cur.Version+1))
					if err == nil {
						return
					}
					if !errors.Is(err, storage.ErrCASFailed) {
						t.Errorf("PutCAS failed: %v", err)
						return
					}
				}
			}()
		}
		wg.Wait()
		got, _ := repo.Get(ctx, "b6", "COUNTER", "c")
		if got.Version != workers+1 {
			t.Errorf("expected version %d, got %d", workers+1, got.Version)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := repo.Put(cctx, "b7", "USER", "u", envelope(`1`, 0)); err == nil {
			t.Error("expected canceled context to fail Put")
		}
	})
}

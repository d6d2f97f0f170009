package memory

import (
	"context"
	"testing"

	"github.com/jmcleod/ironhall/storage"
	"github.com/jmcleod/ironhall/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepositoryReturnsClones(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte("abc")}
	if err := repo.Put(ctx, "b", "T", "id", env); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	env.Ciphertext[0] = 'X'

	got, _ := repo.Get(ctx, "b", "T", "id")
	if got.Ciphertext[0] == 'X' {
		t.Error("Put should store a clone of the envelope")
	}
	got.Ciphertext[0] = 'Y'
	again, _ := repo.Get(ctx, "b", "T", "id")
	if again.Ciphertext[0] == 'Y' {
		t.Error("Get should return a clone of the envelope")
	}
}

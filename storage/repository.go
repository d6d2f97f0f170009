// Package storage provides the record storage abstraction shared by the
// identity, room and authentication-session stores.
//
// Records are addressed by (bucket, record type, record id). A bucket groups
// records that are updated together: Batch is atomic within one bucket only.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record (or its bucket) does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides reads and writes within an atomic transaction scoped to
// one bucket. Reads observe writes made earlier in the same batch.
type BatchTx interface {
	Get(recordType, recordID string) (*Envelope, error)
	Put(recordType, recordID string, envelope *Envelope) error
	PutCAS(recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType, recordID string) error
}

// Repository defines the interface for record storage.
type Repository interface {
	Put(ctx context.Context, bucket, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, bucket, recordType, recordID string) (*Envelope, error)
	List(ctx context.Context, bucket, recordType string) ([]string, error)
	Delete(ctx context.Context, bucket, recordType, recordID string) error
	// PutCAS writes envelope only if the stored version equals
	// expectedVersion. An expectedVersion of 0 means "must not exist".
	PutCAS(ctx context.Context, bucket, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	// Batch runs fn atomically. If fn returns an error no write is applied.
	Batch(ctx context.Context, bucket string, fn func(tx BatchTx) error) error
}

package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironhall/internal/util"
)

const (
	// SchemePlainJSON marks an envelope whose Ciphertext is plain JSON.
	SchemePlainJSON = "plain-json"
	// SchemeAES256GCM marks an envelope sealed with AES-256-GCM.
	SchemeAES256GCM = "aes256gcm"
)

// Envelope is a stored record. Despite the field name, Ciphertext holds plain
// JSON for SchemePlainJSON envelopes.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// EncodeJSON wraps v as a plain-json envelope at the given version.
func EncodeJSON(v any, version uint64) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Envelope{Ver: 1, Scheme: SchemePlainJSON, Ciphertext: data, Version: version}, nil
}

// DecodeJSON unmarshals a plain-json envelope into v.
func DecodeJSON(env *Envelope, v any) error {
	if env.Scheme != SchemePlainJSON {
		return fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
	if err := json.Unmarshal(env.Ciphertext, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// SealRecord encrypts plaintext into an Envelope using recordKey and aad.
func SealRecord(recordKey, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	// EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        1,
		Scheme:     SchemeAES256GCM,
		Nonce:      sealed[:12],
		Ciphertext: sealed[12:],
		Version:    version,
	}, nil
}

// OpenRecord decrypts an Envelope using recordKey and aad.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAES256GCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	full := make([]byte, len(envelope.Nonce)+len(envelope.Ciphertext))
	copy(full, envelope.Nonce)
	copy(full[len(envelope.Nonce):], envelope.Ciphertext)
	return util.DecryptAESWithAAD(full, recordKey, aad)
}

// Clone returns a deep copy of env.
func (env *Envelope) Clone() *Envelope {
	if env == nil {
		return nil
	}
	return &Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      util.CopyBytes(env.Nonce),
		Ciphertext: util.CopyBytes(env.Ciphertext),
		Version:    env.Version,
	}
}

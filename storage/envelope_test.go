package storage

import (
	"bytes"
	"testing"

	"github.com/jmcleod/ironhall/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.NewAESKey()
	plain := []byte(`{"session":"abc"}`)
	aad := []byte("uiaa:abc")

	env, err := SealRecord(key, plain, aad, 3)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	if env.Ver != 1 || env.Version != 3 {
		t.Errorf("unexpected envelope header ver=%d version=%d", env.Ver, env.Version)
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		if _, err := OpenRecord(key, env, []byte("uiaa:other")); err == nil {
			t.Error("expected error with wrong AAD, got nil")
		}
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		bad := *env
		bad.Scheme = SchemePlainJSON
		if _, err := OpenRecord(key, &bad, aad); err == nil {
			t.Error("expected error with plain scheme, got nil")
		}
	})
}

func TestJSONEnvelope(t *testing.T) {
	type rec struct {
		Name string `json:"name"`
	}
	env, err := EncodeJSON(rec{Name: "alice"}, 7)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	if env.Version != 7 {
		t.Errorf("expected version 7, got %d", env.Version)
	}

	var got rec
	if err := DecodeJSON(env, &got); err != nil {
		t.Fatalf("DecodeJSON failed: %v", err)
	}
	if got.Name != "alice" {
		t.Errorf("expected alice, got %q", got.Name)
	}

	clone := env.Clone()
	clone.Ciphertext[0] = 'x'
	if env.Ciphertext[0] == 'x' {
		t.Error("Clone shares the ciphertext buffer")
	}
}

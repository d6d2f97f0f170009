package identity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/storage"
	"github.com/jmcleod/ironhall/storage/memory"
)

var fastParams = util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(memory.NewRepository(), WithArgon2idParams(fastParams))
}

func ptr(s string) *string { return &s }

const alice = "@alice:example.org"

func TestCreateAndExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.Exists(ctx, alice)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Create(ctx, alice, ptr("secret"), false))
	ok, err = s.Exists(ctx, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, s.Create(ctx, alice, nil, false), ErrUserExists)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPasswords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, alice, ptr("secret"), false))

	ok, err := s.CheckPassword(ctx, alice, "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.SetPassword(ctx, alice, ptr("new secret")))
	ok, err = s.CheckPassword(ctx, alice, "secret")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.CheckPassword(ctx, alice, "new secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckPassword(ctx, "@nobody:example.org", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	// Guests without a password never match.
	require.NoError(t, s.Create(ctx, "@1234567890:example.org", nil, true))
	ok, err = s.CheckPassword(ctx, "@1234567890:example.org", "")
	require.NoError(t, err)
	assert.False(t, ok)
	guest, err := s.IsGuest(ctx, "@1234567890:example.org")
	require.NoError(t, err)
	assert.True(t, guest)
}

func TestDevicesAndTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, alice, ptr("secret"), false))
	require.NoError(t, s.CreateDevice(ctx, alice, "DEV1", "tok1", ptr("phone"), "10.0.0.1"))
	require.NoError(t, s.CreateDevice(ctx, alice, "DEV2", "tok2", nil, ""))

	user, device, err := s.FindByToken(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, alice, user)
	assert.Equal(t, "DEV1", device)

	ids, err := s.DeviceIDs(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"DEV1", "DEV2"}, ids)

	d, err := s.Device(ctx, alice, "DEV1")
	require.NoError(t, err)
	assert.Equal(t, "phone", d.DisplayName)

	// Replacing a device revokes its previous token.
	require.NoError(t, s.CreateDevice(ctx, alice, "DEV1", "tok1b", nil, ""))
	_, _, err = s.FindByToken(ctx, "tok1")
	assert.ErrorIs(t, err, ErrUnknownToken)

	require.NoError(t, s.RemoveDevice(ctx, alice, "DEV2"))
	_, _, err = s.FindByToken(ctx, "tok2")
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.ErrorIs(t, s.RemoveDevice(ctx, alice, "DEV2"), ErrDeviceNotFound)

	_, _, err = s.FindByToken(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, alice, ptr("secret"), false))
	require.NoError(t, s.CreateDevice(ctx, alice, "DEV1", "tok1", nil, ""))
	require.NoError(t, s.CreateDevice(ctx, alice, "DEV2", "tok2", nil, ""))

	require.NoError(t, s.Deactivate(ctx, alice))

	deactivated, err := s.IsDeactivated(ctx, alice)
	require.NoError(t, err)
	assert.True(t, deactivated)
	ids, err := s.DeviceIDs(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, ids)
	for _, tok := range []string{"tok1", "tok2"} {
		_, _, err := s.FindByToken(ctx, tok)
		assert.ErrorIs(t, err, ErrUnknownToken)
	}
	ok, err := s.CheckPassword(ctx, alice, "secret")
	require.NoError(t, err)
	assert.False(t, ok)

	// The id stays taken.
	exists, err := s.Exists(ctx, alice)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.ErrorIs(t, s.CreateDevice(ctx, alice, "DEV3", "tok3", nil, ""), ErrUserDeactivated)
}

func TestProfileAndFlags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, alice, nil, false))

	require.NoError(t, s.SetDisplayName(ctx, alice, ptr("alice ⚡️")))
	u, err := s.User(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice ⚡️", u.DisplayName)

	require.NoError(t, s.SetAdmin(ctx, alice, true))
	admin, err := s.IsAdmin(ctx, alice)
	require.NoError(t, err)
	assert.True(t, admin)

	_, err = s.IsAdmin(ctx, "@nobody:example.org")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, s.SetAdmin(ctx, "@nobody:example.org", true), ErrUserNotFound)
}

func TestAccountData(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	content := json.RawMessage(`{"global":{"override":[]}}`)
	require.NoError(t, s.UpdateAccountData(ctx, "", alice, "m.push_rules", content))

	got, err := s.AccountData(ctx, "", alice, "m.push_rules")
	require.NoError(t, err)
	assert.JSONEq(t, string(content), string(got))

	_, err = s.AccountData(ctx, "!room:example.org", alice, "m.push_rules")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Error(t, s.UpdateAccountData(ctx, "", alice, "m.bad", json.RawMessage(`{`)))
}

// Package identity stores user accounts, credentials, devices, access tokens
// and per-user account data on a storage.Repository.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/storage"
)

var (
	ErrUserExists      = errors.New("identity: user already exists")
	ErrUserNotFound    = errors.New("identity: user not found")
	ErrDeviceNotFound  = errors.New("identity: device not found")
	ErrUnknownToken    = errors.New("identity: unknown access token")
	ErrUserDeactivated = errors.New("identity: user deactivated")
)

const (
	usersBucket      = "__users"
	tokensBucket     = "__tokens"
	userBucketPrefix = "user:"

	userRecordType        = "USER"
	tokenRecordType       = "TOKEN"
	deviceRecordType      = "DEVICE"
	accountDataRecordType = "ACCOUNT_DATA"

	maxCASRetries = 16
)

// User is a stored account.
type User struct {
	UserID       string    `json:"user_id"`
	PasswordHash string    `json:"password_hash,omitempty"`
	DisplayName  string    `json:"displayname,omitempty"`
	Guest        bool      `json:"guest,omitempty"`
	Admin        bool      `json:"admin,omitempty"`
	Deactivated  bool      `json:"deactivated,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Device is a logged-in session of a user.
type Device struct {
	DeviceID    string    `json:"device_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AccessToken string    `json:"access_token"`
	LastSeenIP  string    `json:"last_seen_ip,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type tokenRecord struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Store is the identity store.
type Store struct {
	repo   storage.Repository
	params util.Argon2idParams
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithArgon2idParams sets the password hashing cost.
func WithArgon2idParams(p util.Argon2idParams) Option {
	return func(s *Store) { s.params = p }
}

// NewStore creates an identity store on repo.
func NewStore(repo storage.Repository, opts ...Option) *Store {
	s := &Store{repo: repo, params: util.DefaultArgon2idParams(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func userBucket(userID string) string { return userBucketPrefix + userID }

func (s *Store) getUser(ctx context.Context, userID string) (*User, uint64, error) {
	env, err := s.repo.Get(ctx, usersBucket, userRecordType, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("%s: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	var u User
	if err := storage.DecodeJSON(env, &u); err != nil {
		return nil, 0, err
	}
	return &u, env.Version, nil
}

// updateUser applies fn to the stored user under compare-and-swap.
func (s *Store) updateUser(ctx context.Context, userID string, fn func(*User) error) error {
	for range maxCASRetries {
		u, version, err := s.getUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
		env, err := storage.EncodeJSON(u, version+1)
		if err != nil {
			return err
		}
		err = s.repo.PutCAS(ctx, usersBucket, userRecordType, userID, version, env)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		return err
	}
	return fmt.Errorf("identity: %s: too much contention", userID)
}

func (s *Store) hash(password *string) (string, error) {
	if password == nil {
		return "", nil
	}
	return util.HashPassword(*password, s.params)
}

// User returns the stored account.
func (s *Store) User(ctx context.Context, userID string) (*User, error) {
	u, _, err := s.getUser(ctx, userID)
	return u, err
}

// Exists reports whether an account exists, deactivated or not.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	_, _, err := s.getUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Create stores a new account. A nil password creates an account that cannot
// log in with a password.
func (s *Store) Create(ctx context.Context, userID string, password *string, guest bool) error {
	hash, err := s.hash(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	u := User{UserID: userID, PasswordHash: hash, Guest: guest, CreatedAt: s.now()}
	env, err := storage.EncodeJSON(u, 1)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(ctx, usersBucket, userRecordType, userID, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%s: %w", userID, ErrUserExists)
	}
	return err
}

// Count returns the number of accounts, including deactivated ones.
func (s *Store) Count(ctx context.Context) (int, error) {
	ids, err := s.repo.List(ctx, usersBucket, userRecordType)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// SetPassword replaces the password hash. A nil password removes it.
func (s *Store) SetPassword(ctx context.Context, userID string, password *string) error {
	hash, err := s.hash(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	return s.updateUser(ctx, userID, func(u *User) error {
		u.PasswordHash = hash
		return nil
	})
}

// CheckPassword reports whether password matches userID's current password.
// Unknown, deactivated and passwordless accounts never match.
func (s *Store) CheckPassword(ctx context.Context, userID, password string) (bool, error) {
	u, _, err := s.getUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if u.Deactivated || u.PasswordHash == "" {
		return false, nil
	}
	return util.VerifyPassword(u.PasswordHash, password)
}

// SetDisplayName sets or, with nil, clears the display name.
func (s *Store) SetDisplayName(ctx context.Context, userID string, name *string) error {
	return s.updateUser(ctx, userID, func(u *User) error {
		u.DisplayName = ""
		if name != nil {
			u.DisplayName = *name
		}
		return nil
	})
}

func (s *Store) IsDeactivated(ctx context.Context, userID string) (bool, error) {
	u, _, err := s.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Deactivated, nil
}

func (s *Store) IsGuest(ctx context.Context, userID string) (bool, error) {
	u, _, err := s.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Guest, nil
}

func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	u, _, err := s.getUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.Admin, nil
}

func (s *Store) SetAdmin(ctx context.Context, userID string, admin bool) error {
	return s.updateUser(ctx, userID, func(u *User) error {
		u.Admin = admin
		return nil
	})
}

// Deactivate removes every device, access token and the password of userID
// and marks the account deactivated. The account itself is kept so its id
// is never reissued.
func (s *Store) Deactivate(ctx context.Context, userID string) error {
	ids, err := s.DeviceIDs(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.RemoveDevice(ctx, userID, id); err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return err
		}
	}
	return s.updateUser(ctx, userID, func(u *User) error {
		u.PasswordHash = ""
		u.Deactivated = true
		return nil
	})
}

// CreateDevice stores a device with its access token. An existing device
// with the same id is replaced and its old token revoked.
func (s *Store) CreateDevice(ctx context.Context, userID, deviceID, token string, displayName *string, ip string) error {
	u, _, err := s.getUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Deactivated {
		return fmt.Errorf("%s: %w", userID, ErrUserDeactivated)
	}
	if old, err := s.device(ctx, userID, deviceID); err == nil {
		_ = s.repo.Delete(ctx, tokensBucket, tokenRecordType, old.AccessToken)
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return err
	}

	d := Device{DeviceID: deviceID, AccessToken: token, LastSeenIP: ip, CreatedAt: s.now()}
	if displayName != nil {
		d.DisplayName = *displayName
	}
	devEnv, err := storage.EncodeJSON(d, 0)
	if err != nil {
		return err
	}
	tokEnv, err := storage.EncodeJSON(tokenRecord{UserID: userID, DeviceID: deviceID}, 0)
	if err != nil {
		return err
	}
	// The token is written first so a device never exists without a way to
	// look it up; a dangling token is rejected by FindByToken.
	if err := s.repo.Put(ctx, tokensBucket, tokenRecordType, token, tokEnv); err != nil {
		return fmt.Errorf("storing access token: %w", err)
	}
	if err := s.repo.Put(ctx, userBucket(userID), deviceRecordType, deviceID, devEnv); err != nil {
		return fmt.Errorf("storing device: %w", err)
	}
	return nil
}

func (s *Store) device(ctx context.Context, userID, deviceID string) (*Device, error) {
	env, err := s.repo.Get(ctx, userBucket(userID), deviceRecordType, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", userID, deviceID, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, err
	}
	var d Device
	if err := storage.DecodeJSON(env, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Device returns one of userID's devices.
func (s *Store) Device(ctx context.Context, userID, deviceID string) (*Device, error) {
	return s.device(ctx, userID, deviceID)
}

// RemoveDevice deletes a device and revokes its access token.
func (s *Store) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	d, err := s.device(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, userBucket(userID), deviceRecordType, deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.repo.Delete(ctx, tokensBucket, tokenRecordType, d.AccessToken); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// DeviceIDs lists userID's devices, sorted.
func (s *Store) DeviceIDs(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.repo.List(ctx, userBucket(userID), deviceRecordType)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// FindByToken resolves an access token to its user and device.
func (s *Store) FindByToken(ctx context.Context, token string) (userID, deviceID string, err error) {
	if token == "" {
		return "", "", ErrUnknownToken
	}
	env, err := s.repo.Get(ctx, tokensBucket, tokenRecordType, token)
	if errors.Is(err, storage.ErrNotFound) {
		return "", "", ErrUnknownToken
	}
	if err != nil {
		return "", "", err
	}
	var rec tokenRecord
	if err := storage.DecodeJSON(env, &rec); err != nil {
		return "", "", err
	}
	d, err := s.device(ctx, rec.UserID, rec.DeviceID)
	if errors.Is(err, ErrDeviceNotFound) || (err == nil && d.AccessToken != token) {
		return "", "", ErrUnknownToken
	}
	if err != nil {
		return "", "", err
	}
	return rec.UserID, rec.DeviceID, nil
}

func accountDataID(roomID, eventType string) string {
	if roomID == "" {
		return eventType
	}
	return roomID + "|" + eventType
}

// UpdateAccountData stores content for eventType, globally when roomID is
// empty.
func (s *Store) UpdateAccountData(ctx context.Context, roomID, userID, eventType string, content json.RawMessage) error {
	if !json.Valid(content) {
		return fmt.Errorf("identity: account data %s is not valid JSON", eventType)
	}
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: util.CopyBytes(content)}
	return s.repo.Put(ctx, userBucket(userID), accountDataRecordType, accountDataID(roomID, eventType), env)
}

// AccountData returns stored content for eventType, or storage.ErrNotFound.
func (s *Store) AccountData(ctx context.Context, roomID, userID, eventType string) (json.RawMessage, error) {
	env, err := s.repo.Get(ctx, userBucket(userID), accountDataRecordType, accountDataID(roomID, eventType))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(util.CopyBytes(env.Ciphertext)), nil
}

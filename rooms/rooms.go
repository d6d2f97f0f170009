// Package rooms is a minimal room store: it appends events, tracks current
// state and maintains per-user membership indexes. It applies only the
// membership rules the account lifecycle depends on and performs no state
// resolution.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/ironhall/internal/util"
	"github.com/jmcleod/ironhall/roomlock"
	"github.com/jmcleod/ironhall/storage"
)

var (
	ErrNoGuard      = errors.New("rooms: room guard not held")
	ErrRoomNotFound = errors.New("rooms: room not found")
	ErrRoomExists   = errors.New("rooms: room already exists")
	ErrForbidden    = errors.New("rooms: forbidden")
	ErrAliasExists  = errors.New("rooms: alias already in use")

	// ErrIndexStale is returned when an event committed but the per-user
	// membership index could not be updated. Repeating a self-leave repairs it.
	ErrIndexStale = errors.New("rooms: membership index not updated")
)

const (
	roomBucketPrefix       = "room:"
	membershipBucketPrefix = "membership:"
	aliasBucket            = "__aliases"

	metaRecordType   = "META"
	metaRecordID     = "meta"
	eventRecordType  = "EVENT"
	stateRecordType  = "STATE"
	joinRecordType   = "JOIN"
	inviteRecordType = "INVITE"
	aliasRecordType  = "ALIAS"

	roomIDLength = 18
)

type roomMeta struct {
	Creator   string    `json:"creator"`
	Depth     uint64    `json:"depth"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps rooms in a storage.Repository, one bucket per room.
type Store struct {
	repo       storage.Repository
	serverName string
	now        func() time.Time
}

// NewStore creates a room store for rooms created on serverName.
func NewStore(repo storage.Repository, serverName string) *Store {
	return &Store{repo: repo, serverName: serverName, now: time.Now}
}

func roomBucket(roomID string) string { return roomBucketPrefix + roomID }

func membershipBucket(userID string) string { return membershipBucketPrefix + userID }

func stateRecordID(typ, stateKey string) string { return typ + "|" + stateKey }

// Depth keys are zero-padded so lexical order is append order.
func depthKey(depth uint64) string { return fmt.Sprintf("%020d", depth) }

// CreateOptions configures CreateRoom.
type CreateOptions struct {
	// RoomID is generated when empty.
	RoomID string
	Name   string
	Topic  string
	Public bool
}

// CreateRoom creates a room with creator joined, holding the room's guard
// for the whole sequence.
func (s *Store) CreateRoom(ctx context.Context, locks *roomlock.Serializer, creator string, opts CreateOptions) (string, error) {
	roomID := opts.RoomID
	if roomID == "" {
		local, err := util.RandomString(roomIDLength)
		if err != nil {
			return "", err
		}
		roomID = "!" + local + ":" + s.serverName
	}
	err := locks.Do(ctx, roomID, func(g *roomlock.Guard) error {
		if err := s.writeCreate(ctx, roomID, creator); err != nil {
			return err
		}
		if _, err := s.BuildAndAppend(ctx, g, roomID, creator, MemberEvent(creator, MemberContent{Membership: MembershipJoin})); err != nil {
			return err
		}
		rule := JoinRuleInvite
		if opts.Public {
			rule = JoinRulePublic
		}
		if _, err := s.BuildAndAppend(ctx, g, roomID, creator, stateEvent(TypeJoinRules, "", map[string]string{"join_rule": rule})); err != nil {
			return err
		}
		if opts.Name != "" {
			if _, err := s.BuildAndAppend(ctx, g, roomID, creator, stateEvent(TypeName, "", map[string]string{"name": opts.Name})); err != nil {
				return err
			}
		}
		if opts.Topic != "" {
			if _, err := s.BuildAndAppend(ctx, g, roomID, creator, stateEvent(TypeTopic, "", map[string]string{"topic": opts.Topic})); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return roomID, nil
}

func (s *Store) writeCreate(ctx context.Context, roomID, creator string) error {
	return s.repo.Batch(ctx, roomBucket(roomID), func(tx storage.BatchTx) error {
		meta := roomMeta{Creator: creator, Depth: 1, CreatedAt: s.now()}
		metaEnv, err := storage.EncodeJSON(meta, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(metaRecordType, metaRecordID, 0, metaEnv); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrRoomExists
			}
			return err
		}
		ev := stateEvent(TypeCreate, "", map[string]string{"creator": creator})
		return s.putEvent(tx, s.newEvent(roomID, creator, ev, 1))
	})
}

func (s *Store) newEvent(roomID, sender string, b PDUBuilder, depth uint64) *Event {
	return &Event{
		EventID:        "$" + uuid.NewString(),
		RoomID:         roomID,
		Sender:         sender,
		Type:           b.Type,
		StateKey:       b.StateKey,
		Content:        b.Content,
		Depth:          depth,
		OriginServerTS: s.now().UnixMilli(),
	}
}

func (s *Store) putEvent(tx storage.BatchTx, ev *Event) error {
	env, err := storage.EncodeJSON(ev, ev.Depth)
	if err != nil {
		return err
	}
	key := depthKey(ev.Depth)
	if err := tx.Put(eventRecordType, key, env); err != nil {
		return err
	}
	if ev.StateKey == nil {
		return nil
	}
	// State records point at the event's depth key.
	ref, err := storage.EncodeJSON(key, ev.Depth)
	if err != nil {
		return err
	}
	return tx.Put(stateRecordType, stateRecordID(ev.Type, *ev.StateKey), ref)
}

// BuildAndAppend builds an event from b and appends it to the room. The
// caller must hold the room's guard.
//
// A self-leave by a user who has already left appends nothing, rewrites the
// user's index entry for the room and returns an empty event ID.
func (s *Store) BuildAndAppend(ctx context.Context, guard *roomlock.Guard, roomID, sender string, b PDUBuilder) (string, error) {
	if !guard.Held() || guard.RoomID() != roomID {
		return "", ErrNoGuard
	}
	if b.Type == TypeCreate {
		return "", fmt.Errorf("%w: %s cannot be appended", ErrForbidden, TypeCreate)
	}
	var ev *Event
	alreadyLeft := false
	err := s.repo.Batch(ctx, roomBucket(roomID), func(tx storage.BatchTx) error {
		var meta roomMeta
		metaEnv, err := tx.Get(metaRecordType, metaRecordID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
		}
		if err != nil {
			return err
		}
		if err := storage.DecodeJSON(metaEnv, &meta); err != nil {
			return err
		}
		if isSelfLeave(sender, b) {
			m, err := membershipIn(tx, sender)
			if err != nil {
				return err
			}
			if m == MembershipLeave {
				alreadyLeft = true
				return nil
			}
		}
		if err := s.authorize(tx, &meta, sender, b); err != nil {
			return err
		}
		meta.Depth++
		ev = s.newEvent(roomID, sender, b, meta.Depth)
		if err := s.putEvent(tx, ev); err != nil {
			return err
		}
		newMeta, err := storage.EncodeJSON(meta, meta.Depth)
		if err != nil {
			return err
		}
		return tx.Put(metaRecordType, metaRecordID, newMeta)
	})
	if err != nil {
		return "", err
	}
	if alreadyLeft {
		if err := s.indexMembership(ctx, sender, roomID, MembershipLeave); err != nil {
			return "", fmt.Errorf("%w: %w", ErrIndexStale, err)
		}
		return "", nil
	}
	if ev.Type == TypeMember && ev.StateKey != nil {
		var content MemberContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return ev.EventID, fmt.Errorf("%w: %w", ErrIndexStale, err)
		}
		if err := s.indexMembership(ctx, *ev.StateKey, roomID, content.Membership); err != nil {
			return ev.EventID, fmt.Errorf("%w: %w", ErrIndexStale, err)
		}
	}
	return ev.EventID, nil
}

func isSelfLeave(sender string, b PDUBuilder) bool {
	if b.Type != TypeMember || b.StateKey == nil || *b.StateKey != sender {
		return false
	}
	var content MemberContent
	return json.Unmarshal(b.Content, &content) == nil && content.Membership == MembershipLeave
}

func (s *Store) authorize(tx storage.BatchTx, meta *roomMeta, sender string, b PDUBuilder) error {
	senderMembership, err := membershipIn(tx, sender)
	if err != nil {
		return err
	}
	if b.Type != TypeMember {
		if senderMembership != MembershipJoin {
			return fmt.Errorf("%w: %s is not joined", ErrForbidden, sender)
		}
		return nil
	}
	if b.StateKey == nil {
		return fmt.Errorf("%w: member event without state key", ErrForbidden)
	}
	target := *b.StateKey
	var content MemberContent
	if err := json.Unmarshal(b.Content, &content); err != nil {
		return fmt.Errorf("%w: malformed member content", ErrForbidden)
	}
	targetMembership, err := membershipIn(tx, target)
	if err != nil {
		return err
	}

	switch content.Membership {
	case MembershipJoin:
		if target != sender {
			return fmt.Errorf("%w: cannot join on behalf of %s", ErrForbidden, target)
		}
		if targetMembership == MembershipJoin || targetMembership == MembershipInvite {
			return nil
		}
		if meta.Depth == 1 && sender == meta.Creator {
			return nil
		}
		rule, err := joinRule(tx)
		if err != nil {
			return err
		}
		if rule != JoinRulePublic {
			return fmt.Errorf("%w: %s is not invited", ErrForbidden, sender)
		}
		return nil
	case MembershipInvite:
		if senderMembership != MembershipJoin {
			return fmt.Errorf("%w: %s is not joined", ErrForbidden, sender)
		}
		if targetMembership == MembershipJoin {
			return fmt.Errorf("%w: %s is already joined", ErrForbidden, target)
		}
		return nil
	case MembershipLeave:
		if target == sender {
			if targetMembership != MembershipJoin && targetMembership != MembershipInvite {
				return fmt.Errorf("%w: %s is not a member", ErrForbidden, sender)
			}
			return nil
		}
		if senderMembership != MembershipJoin || sender != meta.Creator {
			return fmt.Errorf("%w: %s cannot remove %s", ErrForbidden, sender, target)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported membership %q", ErrForbidden, content.Membership)
	}
}

func stateEventIn(tx storage.BatchTx, typ, stateKey string) (*Event, error) {
	ref, err := tx.Get(stateRecordType, stateRecordID(typ, stateKey))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var key string
	if err := storage.DecodeJSON(ref, &key); err != nil {
		return nil, err
	}
	env, err := tx.Get(eventRecordType, key)
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := storage.DecodeJSON(env, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func membershipIn(tx storage.BatchTx, userID string) (string, error) {
	ev, err := stateEventIn(tx, TypeMember, userID)
	if err != nil || ev == nil {
		return MembershipLeave, err
	}
	var content MemberContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", err
	}
	return content.Membership, nil
}

func joinRule(tx storage.BatchTx) (string, error) {
	ev, err := stateEventIn(tx, TypeJoinRules, "")
	if err != nil || ev == nil {
		return JoinRuleInvite, err
	}
	var content struct {
		JoinRule string `json:"join_rule"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return "", err
	}
	return content.JoinRule, nil
}

func (s *Store) indexMembership(ctx context.Context, userID, roomID, membership string) error {
	return s.repo.Batch(ctx, membershipBucket(userID), func(tx storage.BatchTx) error {
		marker, err := storage.EncodeJSON(struct{}{}, 0)
		if err != nil {
			return err
		}
		switch membership {
		case MembershipJoin:
			if err := deleteIfExists(tx, inviteRecordType, roomID); err != nil {
				return err
			}
			return tx.Put(joinRecordType, roomID, marker)
		case MembershipInvite:
			if err := deleteIfExists(tx, joinRecordType, roomID); err != nil {
				return err
			}
			return tx.Put(inviteRecordType, roomID, marker)
		default:
			if err := deleteIfExists(tx, joinRecordType, roomID); err != nil {
				return err
			}
			return deleteIfExists(tx, inviteRecordType, roomID)
		}
	})
}

func deleteIfExists(tx storage.BatchTx, recordType, recordID string) error {
	if err := tx.Delete(recordType, recordID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// RoomsJoined lists the rooms userID is joined to, sorted.
func (s *Store) RoomsJoined(ctx context.Context, userID string) ([]string, error) {
	return s.listIndex(ctx, userID, joinRecordType)
}

// RoomsInvited lists the rooms userID has a pending invite for, sorted.
func (s *Store) RoomsInvited(ctx context.Context, userID string) ([]string, error) {
	return s.listIndex(ctx, userID, inviteRecordType)
}

func (s *Store) listIndex(ctx context.Context, userID, recordType string) ([]string, error) {
	ids, err := s.repo.List(ctx, membershipBucket(userID), recordType)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Membership returns userID's current membership in roomID; a user with no
// member event has left.
func (s *Store) Membership(ctx context.Context, roomID, userID string) (string, error) {
	var membership string
	err := s.view(ctx, roomID, func(tx storage.BatchTx) error {
		var err error
		membership, err = membershipIn(tx, userID)
		return err
	})
	return membership, err
}

// StateEvent returns the current state event for (typ, stateKey), or nil.
func (s *Store) StateEvent(ctx context.Context, roomID, typ, stateKey string) (*Event, error) {
	var ev *Event
	err := s.view(ctx, roomID, func(tx storage.BatchTx) error {
		var err error
		ev, err = stateEventIn(tx, typ, stateKey)
		return err
	})
	return ev, err
}

// view runs fn in a batch that never writes, after checking the room exists.
func (s *Store) view(ctx context.Context, roomID string, fn func(tx storage.BatchTx) error) error {
	if _, err := s.repo.Get(ctx, roomBucket(roomID), metaRecordType, metaRecordID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
		}
		return err
	}
	return s.repo.Batch(ctx, roomBucket(roomID), fn)
}

// Events returns the room's events in append order.
func (s *Store) Events(ctx context.Context, roomID string) ([]Event, error) {
	bucket := roomBucket(roomID)
	ids, err := s.repo.List(ctx, bucket, eventRecordType)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	sort.Strings(ids)
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		env, err := s.repo.Get(ctx, bucket, eventRecordType, id)
		if err != nil {
			return nil, err
		}
		var ev Event
		if err := storage.DecodeJSON(env, &ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// SetAlias points alias at roomID. An alias already pointing elsewhere
// fails with ErrAliasExists.
func (s *Store) SetAlias(ctx context.Context, alias, roomID string) error {
	env, err := storage.EncodeJSON(roomID, 1)
	if err != nil {
		return err
	}
	err = s.repo.PutCAS(ctx, aliasBucket, aliasRecordType, alias, 0, env)
	if errors.Is(err, storage.ErrCASFailed) {
		existing, resolveErr := s.ResolveAlias(ctx, alias)
		if resolveErr == nil && existing == roomID {
			return nil
		}
		return fmt.Errorf("%s: %w", alias, ErrAliasExists)
	}
	return err
}

// ResolveAlias returns the room alias points to.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (string, error) {
	env, err := s.repo.Get(ctx, aliasBucket, aliasRecordType, alias)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%s: %w", alias, ErrRoomNotFound)
	}
	if err != nil {
		return "", err
	}
	var roomID string
	if err := storage.DecodeJSON(env, &roomID); err != nil {
		return "", err
	}
	return roomID, nil
}

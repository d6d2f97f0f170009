package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/ironhall/roomlock"
	"github.com/jmcleod/ironhall/rooms"
	"github.com/jmcleod/ironhall/uiaa"
)

// Deactivation outcomes reported to the Recorder.
const (
	DeactivationCompleted = "completed"
	DeactivationPartial   = "partial"
	DeactivationFailed    = "failed"
)

// Deactivate leaves every joined or invited room, then permanently disables
// the account. Rooms are processed one at a time, each under its own guard.
// A failure while leaving returns *PartialDeactivationError and keeps the
// account active; calling Deactivate again resumes with the remaining rooms.
// Rooms already left are skipped by the room store.
func (s *Service) Deactivate(ctx context.Context, req DeactivateRequest) (*DeactivateResponse, *uiaa.Info, error) {
	challenge, err := s.authenticate(ctx, s.senderIdentity(req.Sender), req.Auth, passwordInfo(), req.RawBody)
	if err != nil || challenge != nil {
		return nil, challenge, err
	}

	userID := req.Sender.UserID
	roomIDs, err := s.occupiedRooms(ctx, userID)
	if err != nil {
		s.recordDeactivation(DeactivationFailed)
		return nil, nil, internal("Could not list rooms.", err)
	}

	left := make([]string, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		err := s.deps.Locks.Do(ctx, roomID, func(g *roomlock.Guard) error {
			_, err := s.deps.Events.BuildAndAppend(ctx, g, roomID, userID,
				rooms.MemberEvent(userID, rooms.MemberContent{Membership: rooms.MembershipLeave}))
			return err
		})
		if errors.Is(err, rooms.ErrIndexStale) {
			// The leave committed; only the index lags and the retry repairs it.
			left = append(left, roomID)
		}
		if err != nil {
			s.logger.Error("leaving room during deactivation",
				"user_id", userID, "room_id", roomID, "left", len(left), "error", err)
			s.recordDeactivation(DeactivationPartial)
			return nil, nil, &PartialDeactivationError{UserID: userID, Left: left, FailedRoom: roomID, Err: err}
		}
		left = append(left, roomID)
	}

	if err := s.deps.Users.Deactivate(ctx, userID); err != nil {
		s.recordDeactivation(DeactivationFailed)
		return nil, nil, internal("Could not deactivate account.", err)
	}
	s.recordDeactivation(DeactivationCompleted)

	s.logger.Info("user deactivated their account", "user_id", userID, "rooms_left", len(left))
	s.notify(fmt.Sprintf("User %s deactivated their account.", userID))
	return &DeactivateResponse{IDServerUnbindResult: UnbindNoSupport}, nil, nil
}

// occupiedRooms returns joined rooms followed by invited rooms, without
// duplicates.
func (s *Service) occupiedRooms(ctx context.Context, userID string) ([]string, error) {
	joined, err := s.deps.Membership.RoomsJoined(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing joined rooms: %w", err)
	}
	invited, err := s.deps.Membership.RoomsInvited(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing invited rooms: %w", err)
	}
	seen := make(map[string]struct{}, len(joined)+len(invited))
	out := make([]string, 0, len(joined)+len(invited))
	for _, id := range append(joined, invited...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func (s *Service) recordDeactivation(outcome string) {
	if s.deps.Recorder != nil {
		s.deps.Recorder.ObserveDeactivation(outcome)
	}
}

package rooms

import (
	"encoding/json"
)

// Event types used by the account lifecycle.
const (
	TypeCreate    = "m.room.create"
	TypeMember    = "m.room.member"
	TypeJoinRules = "m.room.join_rules"
	TypeName      = "m.room.name"
	TypeTopic     = "m.room.topic"
	TypePower     = "m.room.power_levels"
	TypeMessage   = "m.room.message"
)

// Membership states.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
)

// Join rules.
const (
	JoinRulePublic = "public"
	JoinRuleInvite = "invite"
)

// PDUBuilder describes an event to be built and appended.
type PDUBuilder struct {
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	StateKey *string         `json:"state_key,omitempty"`
}

// Event is an appended room event.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Depth          uint64          `json:"depth"`
	OriginServerTS int64           `json:"origin_server_ts"`
}

// MemberContent is the content of an m.room.member event.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// MemberEvent builds an m.room.member event for userID.
func MemberEvent(userID string, content MemberContent) PDUBuilder {
	return stateEvent(TypeMember, userID, content)
}

// MessageEvent builds a plain-text m.room.message event.
func MessageEvent(body string) PDUBuilder {
	data, _ := json.Marshal(map[string]string{"msgtype": "m.text", "body": body})
	return PDUBuilder{Type: TypeMessage, Content: data}
}

// PowerLevelsEvent builds an m.room.power_levels event granting users their
// levels.
func PowerLevelsEvent(users map[string]int) PDUBuilder {
	return stateEvent(TypePower, "", map[string]any{"users": users})
}

func stateEvent(typ, stateKey string, content any) PDUBuilder {
	data, _ := json.Marshal(content)
	return PDUBuilder{Type: typ, Content: data, StateKey: &stateKey}
}

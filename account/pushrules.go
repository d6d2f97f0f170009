package account

import "encoding/json"

// PushRulesEventType is the global account data type holding push rules.
const PushRulesEventType = "m.push_rules"

type PushCondition struct {
	Kind    string `json:"kind"`
	Key     string `json:"key,omitempty"`
	Pattern string `json:"pattern,omitempty"`
	Is      string `json:"is,omitempty"`
}

type PushRule struct {
	RuleID     string          `json:"rule_id"`
	Default    bool            `json:"default"`
	Enabled    bool            `json:"enabled"`
	Pattern    string          `json:"pattern,omitempty"`
	Conditions []PushCondition `json:"conditions,omitempty"`
	Actions    []any           `json:"actions"`
}

type Ruleset struct {
	Override  []PushRule `json:"override"`
	Content   []PushRule `json:"content"`
	Room      []PushRule `json:"room"`
	Sender    []PushRule `json:"sender"`
	Underride []PushRule `json:"underride"`
}

var (
	notify         = "notify"
	highlightTweak = map[string]any{"set_tweak": "highlight"}
	noHighlight    = map[string]any{"set_tweak": "highlight", "value": false}
	soundDefault   = map[string]any{"set_tweak": "sound", "value": "default"}
	soundRing      = map[string]any{"set_tweak": "sound", "value": "ring"}
)

func eventMatch(key, pattern string) PushCondition {
	return PushCondition{Kind: "event_match", Key: key, Pattern: pattern}
}

// ServerDefaultRuleset returns the predefined push rules for a new user.
func ServerDefaultRuleset(userID, localpart string) Ruleset {
	return Ruleset{
		Override: []PushRule{
			{RuleID: ".m.rule.master", Default: true, Enabled: false, Actions: []any{"dont_notify"}},
			{RuleID: ".m.rule.suppress_notices", Default: true, Enabled: true,
				Conditions: []PushCondition{eventMatch("content.msgtype", "m.notice")},
				Actions:    []any{"dont_notify"}},
			{RuleID: ".m.rule.invite_for_me", Default: true, Enabled: true,
				Conditions: []PushCondition{
					eventMatch("type", "m.room.member"),
					eventMatch("content.membership", "invite"),
					eventMatch("state_key", userID),
				},
				Actions: []any{notify, soundDefault, noHighlight}},
			{RuleID: ".m.rule.member_event", Default: true, Enabled: true,
				Conditions: []PushCondition{eventMatch("type", "m.room.member")},
				Actions:    []any{"dont_notify"}},
			{RuleID: ".m.rule.contains_display_name", Default: true, Enabled: true,
				Conditions: []PushCondition{{Kind: "contains_display_name"}},
				Actions:    []any{notify, soundDefault, highlightTweak}},
			{RuleID: ".m.rule.tombstone", Default: true, Enabled: true,
				Conditions: []PushCondition{eventMatch("type", "m.room.tombstone"), eventMatch("state_key", "")},
				Actions:    []any{notify, highlightTweak}},
			{RuleID: ".m.rule.roomnotif", Default: true, Enabled: true,
				Conditions: []PushCondition{
					eventMatch("content.body", "@room"),
					{Kind: "sender_notification_permission", Key: "room"},
				},
				Actions: []any{notify, highlightTweak}},
		},
		Content: []PushRule{
			{RuleID: ".m.rule.contains_user_name", Default: true, Enabled: true, Pattern: localpart,
				Actions: []any{notify, soundDefault, highlightTweak}},
		},
		Room:   []PushRule{},
		Sender: []PushRule{},
		Underride: []PushRule{
			{RuleID: ".m.rule.call", Default: true, Enabled: true,
				Conditions: []PushCondition{eventMatch("type", "m.call.invite")},
				Actions:    []any{notify, soundRing, noHighlight}},
			{RuleID: ".m.rule.encrypted_room_one_to_one", Default: true, Enabled: true,
				Conditions: []PushCondition{{Kind: "room_member_count", Is: "2"}, eventMatch("type", "m.room.encrypted")},
				Actions:    []any{notify, soundDefault, noHighlight}},
			{RuleID: ".m.rule.room_one_to_one", Default: true, Enabled: true,
				Conditions: []PushCondition{{Kind: "room_member_count", Is: "2"}, eventMatch("type", "m.room.message")},
				Actions:    []any{notify, soundDefault, noHighlight}},
			{RuleID: ".m.rule.message", Default: true, Enabled: true,
				Conditions: []PushCondition{eventMatch("type", "m.room.message")},
				Actions:    []any{notify, noHighlight}},
			{RuleID: ".m.rule.encrypted", Default: true, Enabled: true,
				Conditions: []PushCondition{eventMatch("type", "m.room.encrypted")},
				Actions:    []any{notify, noHighlight}},
		},
	}
}

// pushRulesContent is the m.push_rules account data content for a new user.
func pushRulesContent(userID, localpart string) (json.RawMessage, error) {
	return json.Marshal(map[string]Ruleset{"global": ServerDefaultRuleset(userID, localpart)})
}

package chat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// InteractionType discriminates inbound interactive payloads.
type InteractionType string

const (
	InteractionBlockActions   InteractionType = "block_actions"
	InteractionViewSubmission InteractionType = "view_submission"
	InteractionViewClosed     InteractionType = "view_closed"
)

// SlashCommand is a parsed slash-command invocation. TriggerID expires
// within the acknowledgement window and is only valid for an immediate
// views.open.
type SlashCommand struct {
	Command     string
	Text        string
	UserID      string
	TeamID      string
	ChannelID   string
	TriggerID   string
	ResponseURL string
}

// ParseSlashCommand parses the form-encoded slash-command request.
func ParseSlashCommand(r *http.Request) (*SlashCommand, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse command form: %w", err)
	}
	cmd := &SlashCommand{
		Command:     r.PostForm.Get("command"),
		Text:        strings.TrimSpace(r.PostForm.Get("text")),
		UserID:      r.PostForm.Get("user_id"),
		TeamID:      r.PostForm.Get("team_id"),
		ChannelID:   r.PostForm.Get("channel_id"),
		TriggerID:   r.PostForm.Get("trigger_id"),
		ResponseURL: r.PostForm.Get("response_url"),
	}
	if cmd.Command == "" || cmd.UserID == "" {
		return nil, fmt.Errorf("slash command missing required fields")
	}
	return cmd, nil
}

// UserRef identifies the acting user of an interaction.
type UserRef struct {
	ID string `json:"id"`
}

// ChannelRef identifies the originating channel, when one exists. Modal
// submissions do not always carry one.
type ChannelRef struct {
	ID string `json:"id"`
}

// StateValue is the committed value of one input element.
type StateValue struct {
	Type           string  `json:"type"`
	Value          string  `json:"value"`
	SelectedOption *Option `json:"selected_option,omitempty"`
}

// ViewState holds the committed input values keyed by block id then
// action id.
type ViewState struct {
	Values map[string]map[string]StateValue `json:"values"`
}

// InteractionView is the view attached to a modal interaction.
type InteractionView struct {
	ID              string    `json:"id"`
	CallbackID      string    `json:"callback_id"`
	PrivateMetadata string    `json:"private_metadata"`
	State           ViewState `json:"state"`
	Blocks          []*Block  `json:"blocks,omitempty"`
}

// InputValue returns the committed value of the input at (blockID,
// actionID), preferring a selected option's value over free text.
func (v *InteractionView) InputValue(blockID, actionID string) (string, bool) {
	block, ok := v.State.Values[blockID]
	if !ok {
		return "", false
	}
	sv, ok := block[actionID]
	if !ok {
		return "", false
	}
	if sv.SelectedOption != nil {
		return sv.SelectedOption.Value, true
	}
	return strings.TrimSpace(sv.Value), sv.Value != ""
}

// Action is one element interaction inside a block_actions payload.
type Action struct {
	ActionID       string  `json:"action_id"`
	BlockID        string  `json:"block_id"`
	Value          string  `json:"value"`
	SelectedOption *Option `json:"selected_option,omitempty"`
}

// CommittedValue returns the action's value, preferring a selected option.
func (a *Action) CommittedValue() string {
	if a.SelectedOption != nil {
		return a.SelectedOption.Value
	}
	return strings.TrimSpace(a.Value)
}

// Interaction is a parsed interactive payload: block action, view
// submission or view closed.
type Interaction struct {
	Type      InteractionType `json:"type"`
	User      UserRef         `json:"user"`
	Channel   *ChannelRef     `json:"channel,omitempty"`
	TriggerID string          `json:"trigger_id"`
	View      InteractionView `json:"view"`
	Actions   []Action        `json:"actions"`
}

// EventHomeOpened is the event emitted when a user opens the app home tab.
const EventHomeOpened = "app_home_opened"

// EventEnvelope is the outer event-callback payload. Challenge is set on
// the platform's URL verification handshake and must be echoed back.
type EventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	Event     struct {
		Type string `json:"type"`
		User string `json:"user"`
	} `json:"event"`
}

// ParseEvent parses a JSON event-callback body.
func ParseEvent(body []byte) (*EventEnvelope, error) {
	var ev EventEnvelope
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event payload missing type")
	}
	return &ev, nil
}

// ParseInteraction parses the form-encoded interaction request whose JSON
// body travels in the "payload" field.
func ParseInteraction(r *http.Request) (*Interaction, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse interaction form: %w", err)
	}
	raw := r.PostForm.Get("payload")
	if raw == "" {
		return nil, fmt.Errorf("interaction payload missing")
	}

	var ia Interaction
	if err := json.Unmarshal([]byte(raw), &ia); err != nil {
		return nil, fmt.Errorf("failed to decode interaction payload: %w", err)
	}

	switch ia.Type {
	case InteractionBlockActions, InteractionViewSubmission, InteractionViewClosed:
	default:
		return nil, fmt.Errorf("unsupported interaction type %q", ia.Type)
	}
	if ia.User.ID == "" {
		return nil, fmt.Errorf("interaction payload missing user id")
	}
	return &ia, nil
}

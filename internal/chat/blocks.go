// Package chat implements the chat-platform surface: block-based message
// layout, inbound event payloads, the outbound REST client, and the inbound
// HTTP server with its acknowledgement deadline.
package chat

import (
	"encoding/json"
	"fmt"
)

// Block and element types.
const (
	BlockSection = "section"
	BlockInput   = "input"
	BlockActions = "actions"
	BlockDivider = "divider"
	BlockContext = "context"

	ElementButton       = "button"
	ElementTextInput    = "plain_text_input"
	ElementStaticSelect = "static_select"

	StylePrimary = "primary"
	StyleDanger  = "danger"
)

// Text is a text object, either plain_text or mrkdwn.
type Text struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// PlainText builds a plain_text object.
func PlainText(s string) *Text {
	return &Text{Type: "plain_text", Text: s, Emoji: true}
}

// Markdown builds a mrkdwn text object.
func Markdown(s string) *Text {
	return &Text{Type: "mrkdwn", Text: s}
}

// Option is a selectable option for static_select elements.
type Option struct {
	Text  *Text  `json:"text"`
	Value string `json:"value"`
}

// Element is an interactive element inside a block. Style must be omitted
// when empty, never serialized as null; the platform rejects null styles.
type Element struct {
	Type          string    `json:"type"`
	ActionID      string    `json:"action_id,omitempty"`
	Text          *Text     `json:"text,omitempty"`
	Style         string    `json:"style,omitempty"`
	Value         string    `json:"value,omitempty"`
	Placeholder   *Text     `json:"placeholder,omitempty"`
	InitialValue  string    `json:"initial_value,omitempty"`
	Options       []*Option `json:"options,omitempty"`
	InitialOption *Option   `json:"initial_option,omitempty"`
}

// Block is one layout block of a message or modal.
type Block struct {
	Type     string     `json:"type"`
	BlockID  string     `json:"block_id,omitempty"`
	Text     *Text      `json:"text,omitempty"`
	Label    *Text      `json:"label,omitempty"`
	Element  *Element   `json:"element,omitempty"`
	Elements []*Element `json:"elements,omitempty"`
	Optional bool       `json:"optional,omitempty"`
	// DispatchAction makes an input block emit block_actions on every
	// character entry, which the derivation loop depends on.
	DispatchAction bool `json:"dispatch_action,omitempty"`
}

// SectionBlock builds a section with mrkdwn text.
func SectionBlock(blockID, text string) *Block {
	return &Block{Type: BlockSection, BlockID: blockID, Text: Markdown(text)}
}

// DividerBlock builds a divider.
func DividerBlock() *Block {
	return &Block{Type: BlockDivider}
}

// InputBlock builds an input block wrapping a plain_text_input that
// dispatches actions on entry.
func InputBlock(blockID, actionID, label, placeholder string) *Block {
	return &Block{
		Type:           BlockInput,
		BlockID:        blockID,
		Label:          PlainText(label),
		DispatchAction: true,
		Element: &Element{
			Type:        ElementTextInput,
			ActionID:    actionID,
			Placeholder: PlainText(placeholder),
		},
	}
}

// ButtonElement builds a button. Pass style "" for the default look.
func ButtonElement(actionID, label, style string) *Element {
	return &Element{
		Type:     ElementButton,
		ActionID: actionID,
		Text:     PlainText(label),
		Style:    style,
	}
}

// ActionsBlock builds an actions block from buttons.
func ActionsBlock(blockID string, elements ...*Element) *Block {
	return &Block{Type: BlockActions, BlockID: blockID, Elements: elements}
}

// View is a modal or home-tab view.
type View struct {
	Type            string   `json:"type"`
	CallbackID      string   `json:"callback_id,omitempty"`
	Title           *Text    `json:"title,omitempty"`
	Submit          *Text    `json:"submit,omitempty"`
	Close           *Text    `json:"close,omitempty"`
	Blocks          []*Block `json:"blocks"`
	PrivateMetadata string   `json:"private_metadata,omitempty"`
}

// Validate checks the platform's structural rules before a view is sent:
// a modal containing input blocks must carry a submit definition, and button
// styles are restricted to the known set.
func (v *View) Validate() error {
	hasInput := false
	for _, b := range v.Blocks {
		if b.Type == BlockInput {
			hasInput = true
		}
		for _, el := range b.Elements {
			if err := validStyle(el.Style); err != nil {
				return err
			}
		}
		if b.Element != nil {
			if err := validStyle(b.Element.Style); err != nil {
				return err
			}
		}
	}
	if v.Type == "modal" && hasInput && v.Submit == nil {
		return fmt.Errorf("modal with input blocks requires a submit definition")
	}
	return nil
}

func validStyle(style string) error {
	switch style {
	case "", StylePrimary, StyleDanger:
		return nil
	default:
		return fmt.Errorf("invalid button style %q", style)
	}
}

// EncodeMetadata serializes a string map into a private_metadata payload.
// The orchestrator uses it to pin the authoritative entry price to the modal
// so it survives partial re-renders.
func EncodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeMetadata parses a private_metadata payload. Malformed or empty
// metadata decodes to an empty map.
func DecodeMetadata(s string) map[string]string {
	m := make(map[string]string)
	if s == "" {
		return m
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]string{}
	}
	return m
}

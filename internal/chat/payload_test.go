package chat

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSlashCommand(t *testing.T) {
	form := url.Values{
		"command":      {"/trade"},
		"text":         {" AAPL "},
		"user_id":      {"U123"},
		"team_id":      {"T1"},
		"channel_id":   {"C-TRADING"},
		"trigger_id":   {"trig.1"},
		"response_url": {"https://chat.example.com/respond/1"},
	}
	req := httptest.NewRequest("POST", "/chat/commands", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	cmd, err := ParseSlashCommand(req)
	require.NoError(t, err)
	assert.Equal(t, "/trade", cmd.Command)
	assert.Equal(t, "AAPL", cmd.Text)
	assert.Equal(t, "U123", cmd.UserID)
	assert.Equal(t, "C-TRADING", cmd.ChannelID)
	assert.Equal(t, "trig.1", cmd.TriggerID)
}

func TestParseSlashCommandMissingFields(t *testing.T) {
	req := httptest.NewRequest("POST", "/chat/commands", strings.NewReader("text=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := ParseSlashCommand(req)
	require.Error(t, err)
}

const blockActionsPayload = `{
	"type": "block_actions",
	"user": {"id": "U123"},
	"trigger_id": "trig.2",
	"view": {
		"id": "V999",
		"callback_id": "trade_modal",
		"private_metadata": "{\"entry_price\":\"150.0000\"}",
		"state": {
			"values": {
				"qty_block": {"qty_input": {"type": "plain_text_input", "value": " 100 "}},
				"type_block": {"type_select": {"type": "static_select", "selected_option": {"text": {"type": "plain_text", "text": "Limit"}, "value": "limit"}}}
			}
		}
	},
	"actions": [{"action_id": "qty_input", "block_id": "qty_block", "value": "100"}]
}`

func TestParseInteractionBlockActions(t *testing.T) {
	form := url.Values{"payload": {blockActionsPayload}}
	req := httptest.NewRequest("POST", "/chat/interactions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	ia, err := ParseInteraction(req)
	require.NoError(t, err)
	assert.Equal(t, InteractionBlockActions, ia.Type)
	assert.Equal(t, "U123", ia.User.ID)
	assert.Equal(t, "V999", ia.View.ID)
	require.Len(t, ia.Actions, 1)
	assert.Equal(t, "qty_input", ia.Actions[0].ActionID)
	assert.Equal(t, "100", ia.Actions[0].CommittedValue())

	meta := DecodeMetadata(ia.View.PrivateMetadata)
	assert.Equal(t, "150.0000", meta["entry_price"])

	qty, ok := ia.View.InputValue("qty_block", "qty_input")
	require.True(t, ok)
	assert.Equal(t, "100", qty)

	orderType, ok := ia.View.InputValue("type_block", "type_select")
	require.True(t, ok)
	assert.Equal(t, "limit", orderType)

	_, ok = ia.View.InputValue("missing_block", "x")
	assert.False(t, ok)
}

func TestParseInteractionRejectsUnknownType(t *testing.T) {
	form := url.Values{"payload": {`{"type":"shortcut","user":{"id":"U1"}}`}}
	req := httptest.NewRequest("POST", "/chat/interactions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := ParseInteraction(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shortcut")
}

func TestParseInteractionMissingPayload(t *testing.T) {
	req := httptest.NewRequest("POST", "/chat/interactions", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := ParseInteraction(req)
	require.Error(t, err)
}

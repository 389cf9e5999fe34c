package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	lastPath string
	lastBody map[string]interface{}
	response string
	err      error
}

func (f *fakeTransport) Post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	f.lastPath = path
	raw, _ := json.Marshal(body)
	_ = json.Unmarshal(raw, &f.lastBody)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.response), nil
}

func testModal() *View {
	return &View{
		Type:   "modal",
		Title:  PlainText("New Trade"),
		Submit: PlainText("Submit"),
		Blocks: []*Block{InputBlock("qty_block", "qty_input", "Quantity", "100")},
	}
}

func TestOpenViewReturnsViewID(t *testing.T) {
	transport := &fakeTransport{response: `{"ok":true,"view":{"id":"V42"}}`}
	client := &Client{http: transport, logger: testLogger(t)}

	viewID, err := client.OpenView(context.Background(), "trig.1", testModal())
	require.NoError(t, err)
	assert.Equal(t, "V42", viewID)
	assert.Equal(t, "/views.open", transport.lastPath)
	assert.Equal(t, "trig.1", transport.lastBody["trigger_id"])
}

func TestOpenViewRejectsInvalidView(t *testing.T) {
	transport := &fakeTransport{response: `{"ok":true,"view":{"id":"V42"}}`}
	client := &Client{http: transport, logger: testLogger(t)}

	view := testModal()
	view.Submit = nil
	_, err := client.OpenView(context.Background(), "trig.1", view)
	require.Error(t, err)
	assert.Empty(t, transport.lastPath, "invalid views must not reach the wire")
}

func TestUpdateViewSurfacesAPIError(t *testing.T) {
	transport := &fakeTransport{response: `{"ok":false,"error":"not_found"}`}
	client := &Client{http: transport, logger: testLogger(t)}

	err := client.UpdateView(context.Background(), "V42", testModal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestOpenDM(t *testing.T) {
	transport := &fakeTransport{response: `{"ok":true,"channel":{"id":"D77"}}`}
	client := &Client{http: transport, logger: testLogger(t)}

	channelID, err := client.OpenDM(context.Background(), "U123")
	require.NoError(t, err)
	assert.Equal(t, "D77", channelID)
	assert.Equal(t, "/conversations.open", transport.lastPath)
}

func TestPostMessageBody(t *testing.T) {
	transport := &fakeTransport{response: `{"ok":true}`}
	client := &Client{http: transport, logger: testLogger(t)}

	blocks := []*Block{SectionBlock("summary", "*Filled* 100 AAPL @ $150.0150")}
	err := client.PostMessage(context.Background(), "D77", "Trade filled", blocks)
	require.NoError(t, err)
	assert.Equal(t, "/chat.postMessage", transport.lastPath)
	assert.Equal(t, "D77", transport.lastBody["channel"])
	assert.Equal(t, "Trade filled", transport.lastBody["text"])
	assert.NotNil(t, transport.lastBody["blocks"])
}

func TestCallWrapsTransportFailure(t *testing.T) {
	transport := &fakeTransport{err: fmt.Errorf("connection refused")}
	client := &Client{http: transport, logger: testLogger(t)}

	err := client.PostEphemeral(context.Background(), "C1", "U1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.postEphemeral")
}

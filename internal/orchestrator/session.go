package orchestrator

import (
	"sync"

	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
)

// State is the modal workflow state.
type State string

const (
	StateIdle          State = "idle"
	StateOpened        State = "opened"
	StateQuoted        State = "quoted"
	StateReadyToSubmit State = "ready_to_submit"
	StateSubmitting    State = "submitting"
	StateConfirmed     State = "confirmed"
	StateFailed        State = "failed"
)

// updatingField is the loop-prevention token for bidirectional derivation.
type updatingField string

const (
	fieldNone     updatingField = "none"
	fieldQuantity updatingField = "quantity"
	fieldNotional updatingField = "notional"
)

// session is the per-modal workflow state, keyed by view id. All access
// goes through the mutex; derivation events for the same modal serialize
// on it.
type session struct {
	mu sync.Mutex

	state     State
	viewID    string
	userID    string
	chatID    string
	channelID string
	// correlationID threads through every audit entry descended from the
	// originating slash command.
	correlationID string

	symbol      string
	side        domain.Side
	entryPrice  decimal.Decimal
	entrySource domain.EntryPriceSource
	quantity    int64
	notional    decimal.Decimal
	orderType   domain.OrderType
	limitPrice  decimal.Decimal

	updating updatingField

	risk          *domain.RiskAnalysis
	requireTicker bool
	submitted     bool
}

func newSession(viewID, userID, chatID, channelID, correlationID string) *session {
	return &session{
		state:         StateOpened,
		viewID:        viewID,
		userID:        userID,
		chatID:        chatID,
		channelID:     channelID,
		correlationID: correlationID,
		side:          domain.SideBuy,
		orderType:     domain.OrderMarket,
		entrySource:   domain.EntryPriceQuote,
		updating:      fieldNone,
	}
}

// beginUpdate claims the derivation token for field f. It returns false
// when another field's write-back is in flight, which means the incoming
// event was caused by our own modal update and must be dropped.
func (s *session) beginUpdate(f updatingField) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updating != fieldNone && s.updating != f {
		return false
	}
	s.updating = f
	return true
}

// endUpdate clears the derivation token once the modal update is
// acknowledged.
func (s *session) endUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updating = fieldNone
}

// sessionTable is the process-wide registry of open modals.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*session)}
}

func (t *sessionTable) put(s *session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.viewID] = s
}

func (t *sessionTable) get(viewID string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[viewID]
	return s, ok
}

func (t *sessionTable) drop(viewID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, viewID)
}

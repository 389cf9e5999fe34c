package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradedesk/internal/chat"
	"tradedesk/internal/core"
	"tradedesk/internal/domain"
	apperrors "tradedesk/pkg/errors"
)

// sessionFor returns the workflow session for an interaction, rebuilding
// it from the modal's private metadata when the in-memory table misses
// (restart, or an update raced the registration).
func (o *Orchestrator) sessionFor(ia *chat.Interaction) *session {
	if s, ok := o.sessions.get(ia.View.ID); ok {
		return s
	}

	meta := chat.DecodeMetadata(ia.View.PrivateMetadata)
	s := newSession(ia.View.ID, meta[metaUserID], ia.User.ID, meta[metaChannelID], meta[metaCorrelationID])
	if s.correlationID == "" {
		s.correlationID = uuid.NewString()
	}
	s.symbol = meta[metaSymbol]
	if raw, ok := meta[metaEntryPrice]; ok {
		if price, err := decimal.NewFromString(raw); err == nil && price.IsPositive() {
			s.entryPrice = price
			s.state = StateQuoted
		}
	}
	if meta[metaEntrySource] == string(domain.EntryPriceUser) {
		s.entrySource = domain.EntryPriceUser
	}
	s.requireTicker = meta[metaRequireTicker] == "1"
	o.sessions.put(s)
	return s
}

func (o *Orchestrator) onSymbolCommitted(ctx context.Context, ia *chat.Interaction, symbol string) error {
	return o.commitSymbol(ctx, o.sessionFor(ia), symbol)
}

// commitSymbol validates the symbol and fetches its quote. A quote failure
// is not fatal: the modal drops to manual entry-price mode with submit
// effectively gated on a price.
func (o *Orchestrator) commitSymbol(ctx context.Context, s *session, symbol string) error {
	if symbol == "" {
		return nil
	}
	if !core.ValidSymbolShape(symbol) {
		return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, "Check the symbol: 1-5 uppercase letters."))
	}

	ok, err := o.market.ValidateSymbol(ctx, symbol)
	if err == nil && !ok {
		return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, fmt.Sprintf("Symbol %s is not tradable, check the symbol.", symbol)))
	}

	s.mu.Lock()
	s.symbol = symbol
	s.mu.Unlock()

	quote, err := o.market.GetQuote(ctx, symbol)
	if err != nil {
		o.logger.Warn("quote fetch failed, dropping to manual entry",
			"symbol", symbol, "error", err.Error())
		s.mu.Lock()
		s.entrySource = domain.EntryPriceUser
		s.entryPrice = decimal.Zero
		s.mu.Unlock()
		return o.chat.UpdateView(ctx, s.viewID,
			o.tradeModal(s, "Quote unavailable right now. Enter a price manually or retry the symbol."))
	}

	s.mu.Lock()
	s.entryPrice = quote.Price
	s.entrySource = domain.EntryPriceQuote
	s.state = StateQuoted
	s.mu.Unlock()
	return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, ""))
}

// entryPriceOf returns the authoritative derivation price: the session's
// pinned entry price, then the metadata copy, then a pattern match on the
// rendered price display the payload echoes back.
func (o *Orchestrator) entryPriceOf(s *session, ia *chat.Interaction) decimal.Decimal {
	s.mu.Lock()
	price := s.entryPrice
	s.mu.Unlock()
	if price.IsPositive() {
		return price
	}
	if raw, ok := chat.DecodeMetadata(ia.View.PrivateMetadata)[metaEntryPrice]; ok {
		if p, err := decimal.NewFromString(raw); err == nil {
			return p
		}
	}
	for _, b := range ia.View.Blocks {
		if b.BlockID == blockPriceDisplay && b.Text != nil {
			if p, ok := parsePrice(b.Text.Text); ok {
				return p
			}
		}
	}
	return decimal.Zero
}

// onQuantityChanged derives notional = quantity x entry price, rounded
// half-to-even to two places. Events caused by our own notional write-back
// are dropped by the updating-field token.
func (o *Orchestrator) onQuantityChanged(ctx context.Context, ia *chat.Interaction, raw string) error {
	s := o.sessionFor(ia)
	if !s.beginUpdate(fieldQuantity) {
		return nil
	}
	defer s.endUpdate()

	qty, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || qty < 1 {
		return nil
	}
	price := o.entryPriceOf(s, ia)
	if !price.IsPositive() {
		return nil
	}

	s.mu.Lock()
	s.quantity = qty
	s.notional = price.Mul(decimal.NewFromInt(qty)).RoundBank(2)
	s.state = StateQuoted
	s.mu.Unlock()
	return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, ""))
}

// onNotionalChanged derives quantity = floor(notional / entry price). The
// notional the user typed is kept as-is, never upscaled to quantity x
// price. A zero price makes this a no-op rather than an error.
func (o *Orchestrator) onNotionalChanged(ctx context.Context, ia *chat.Interaction, raw string) error {
	s := o.sessionFor(ia)
	if !s.beginUpdate(fieldNotional) {
		return nil
	}
	defer s.endUpdate()

	notional, err := decimal.NewFromString(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	if err != nil || !notional.IsPositive() {
		return nil
	}
	price := o.entryPriceOf(s, ia)
	if !price.IsPositive() {
		return nil
	}

	qty := notional.Div(price).Floor().IntPart()
	if qty < 1 {
		qty = 0
	}

	s.mu.Lock()
	s.quantity = qty
	s.notional = notional.RoundBank(2)
	s.state = StateQuoted
	s.mu.Unlock()
	return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, ""))
}

func (o *Orchestrator) onOrderTypeChanged(ctx context.Context, ia *chat.Interaction, value string) error {
	s := o.sessionFor(ia)
	orderType := domain.OrderType(value)
	switch orderType {
	case domain.OrderMarket, domain.OrderLimit, domain.OrderStop, domain.OrderStopLimit:
	default:
		return fmt.Errorf("unknown order type %q", value)
	}

	s.mu.Lock()
	s.orderType = orderType
	s.mu.Unlock()

	hint := ""
	if orderType.RequiresLimitPrice() {
		hint = "Limit orders need a limit price before submitting."
	}
	return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, hint))
}

// analyzeRisk calls the AI collaborator best effort. Failures render a
// hint and never block submission; a high score arms the typed ticker
// confirmation.
func (o *Orchestrator) analyzeRisk(ctx context.Context, ia *chat.Interaction) error {
	s := o.sessionFor(ia)
	o.mergeInputs(s, ia)

	if o.analyzer == nil || !o.cfg.AI.Enabled {
		return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, "Risk analysis is not available."))
	}

	s.mu.Lock()
	trade := &domain.Trade{
		Symbol:     s.symbol,
		Side:       s.side,
		Quantity:   s.quantity,
		OrderType:  s.orderType,
		EntryPrice: s.entryPrice,
	}
	s.mu.Unlock()
	if trade.Symbol == "" || trade.Quantity < 1 {
		return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, "Enter a symbol and quantity before analyzing risk."))
	}

	quote, _ := o.market.GetQuote(ctx, trade.Symbol)
	vix, _ := o.market.GetVIX(ctx)

	analysis, err := o.analyzer.Analyze(ctx, trade, quote, vix)
	if err != nil {
		o.logger.Warn("risk analysis unavailable", "error", err.Error())
		return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, "Risk analysis unavailable, you can still submit."))
	}

	s.mu.Lock()
	s.risk = analysis
	if analysis.Score >= domain.HighRiskScore {
		s.requireTicker = true
	}
	s.mu.Unlock()
	return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, ""))
}

// mergeInputs folds the committed view state into the session. The view
// state is authoritative at submission.
func (o *Orchestrator) mergeInputs(s *session, ia *chat.Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := ia.View.InputValue(blockSymbol, ActionSymbolInput); ok {
		s.symbol = strings.ToUpper(v)
	}
	if v, ok := ia.View.InputValue(blockSide, ActionSideSelect); ok {
		if side := domain.Side(v); side == domain.SideBuy || side == domain.SideSell {
			s.side = side
		}
	}
	if v, ok := ia.View.InputValue(blockQuantity, ActionQuantityInput); ok {
		if qty, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.quantity = qty
		}
	}
	if v, ok := ia.View.InputValue(blockOrderType, ActionOrderType); ok {
		s.orderType = domain.OrderType(v)
	}
	if v, ok := ia.View.InputValue(blockLimitPrice, ActionLimitPrice); ok {
		if p, err := decimal.NewFromString(strings.TrimPrefix(v, "$")); err == nil {
			s.limitPrice = p
		}
	}
	if v, ok := ia.View.InputValue(blockEntryPrice, ActionEntryPrice); ok {
		if p, err := decimal.NewFromString(strings.TrimPrefix(v, "$")); err == nil && p.IsPositive() {
			s.entryPrice = p
			s.entrySource = domain.EntryPriceUser
		}
	}
}

// submitTrade drives Submitting -> Confirmed | Failed.
func (o *Orchestrator) submitTrade(ctx context.Context, ia *chat.Interaction) error {
	s := o.sessionFor(ia)
	o.mergeInputs(s, ia)

	if hint := o.validateSubmission(s, ia); hint != "" {
		return o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, hint))
	}

	s.mu.Lock()
	s.state = StateSubmitting
	now := time.Now().UTC()
	trade := &domain.Trade{
		TradeID:     uuid.NewString(),
		UserID:      s.userID,
		Symbol:      s.symbol,
		Side:        s.side,
		Quantity:    s.quantity,
		OrderType:   s.orderType,
		LimitPrice:  s.limitPrice,
		EntryPrice:  s.entryPrice,
		EntrySource: s.entrySource,
		Status:      domain.TradePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	opts := core.WriteOptions{
		// deterministic per modal instance: a redelivered submission
		// replays as a no-op all the way down
		OpID:          "submit-" + s.viewID,
		CorrelationID: s.correlationID,
		ActorUserID:   s.userID,
	}
	s.mu.Unlock()

	// optimistic confirmation while the router works
	if err := o.chat.UpdateView(ctx, s.viewID,
		resultModal("Submitting", fmt.Sprintf("Submitting %s %d %s…", trade.Side, trade.Quantity, trade.Symbol))); err != nil {
		o.logger.Warn("optimistic update failed", "view_id", s.viewID, "error", err.Error())
	}

	o.audit(ctx, &domain.AuditEntry{
		Action:        domain.AuditTradeSubmitted,
		Severity:      domain.SeverityInfo,
		ActorUserID:   trade.UserID,
		SubjectKind:   "trade",
		SubjectID:     trade.TradeID,
		CorrelationID: s.correlationID,
		After: map[string]string{
			"symbol":       trade.Symbol,
			"quantity":     strconv.FormatInt(trade.Quantity, 10),
			"order_type":   string(trade.OrderType),
			"entry_price":  trade.EntryPrice.String(),
			"entry_source": string(trade.EntrySource),
		},
	})

	report, err := o.router.Execute(ctx, trade, opts)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		return o.deliverFailure(ctx, s, err)
	}

	s.mu.Lock()
	s.state = StateConfirmed
	s.submitted = true
	s.mu.Unlock()
	o.deliverResult(ctx, s, trade, report)
	return nil
}

// validateSubmission returns a user-facing hint, or "" when the trade may
// proceed.
func (o *Orchestrator) validateSubmission(s *session, ia *chat.Interaction) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.symbol == "" || !core.ValidSymbolShape(s.symbol):
		return "Check the symbol before submitting."
	case s.quantity < 1:
		return "Enter a quantity of at least 1."
	case s.orderType.RequiresLimitPrice() && !s.limitPrice.IsPositive():
		return "Enter a limit price for this order type."
	case !s.entryPrice.IsPositive():
		return "No price available. Enter an entry price or retry the symbol."
	}

	if s.requireTicker {
		confirm, _ := ia.View.InputValue(blockConfirm, ActionConfirmTicker)
		if confirm != s.symbol {
			return fmt.Sprintf("High-risk trade: type %s to confirm.", s.symbol)
		}
	}
	return ""
}

// deliverResult updates the modal in place; when that fails it falls back
// to a direct message, then to an ephemeral channel message.
func (o *Orchestrator) deliverResult(ctx context.Context, s *session, t *domain.Trade, report *domain.ExecutionReport) {
	body := fmt.Sprintf("*%s %d %s* — %s\nFilled %d @ $%s on %s",
		strings.ToUpper(string(t.Side)), t.Quantity, t.Symbol, report.Status,
		report.FilledQuantity, report.FillPrice.StringFixed(4), report.Venue)

	if err := o.chat.UpdateView(ctx, s.viewID, resultModal("Trade "+string(report.Status), body)); err == nil {
		return
	}
	if channel, err := o.chat.OpenDM(ctx, s.chatID); err == nil {
		if err := o.chat.PostMessage(ctx, channel, "Trade "+string(report.Status), []*chat.Block{chat.SectionBlock("result", body)}); err == nil {
			return
		}
	}
	o.ephemeral(ctx, s.channelID, s.chatID, body)
}

// deliverFailure classifies the error for the user: actionable errors get
// their own message, everything else a generic line with the correlation
// id for support.
func (o *Orchestrator) deliverFailure(ctx context.Context, s *session, cause error) error {
	var msg string
	switch {
	case errors.Is(cause, apperrors.ErrInsufficientFunds):
		msg = "Insufficient buying power for this trade."
	case errors.Is(cause, apperrors.ErrMarketClosed):
		msg = "The market is closed. Try a limit order or retry later."
	case errors.Is(cause, apperrors.ErrSymbolNotTradable):
		msg = "This symbol is not tradable. Check the symbol."
	case apperrors.IsUserError(cause):
		msg = "The trade was rejected: " + cause.Error() + ". Adjust and retry."
	default:
		msg = fmt.Sprintf("Something went wrong. Retry, or contact support with id %s.", shortID(s.correlationID))
		o.logger.Error("trade submission failed",
			"view_id", s.viewID, "correlation_id", s.correlationID, "error", cause.Error())
	}

	if err := o.chat.UpdateView(ctx, s.viewID, o.tradeModal(s, msg)); err != nil {
		if channel, dmErr := o.chat.OpenDM(ctx, s.chatID); dmErr == nil {
			_ = o.chat.PostMessage(ctx, channel, msg, nil)
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"tradedesk/internal/chat"
	"tradedesk/internal/domain"
)

// Block ids inside the trade modal.
const (
	blockSymbol       = "symbol_block"
	blockSide         = "side_block"
	blockPriceDisplay = "price_display"
	blockQuantity     = "quantity_block"
	blockNotional     = "notional_block"
	blockOrderType    = "order_type_block"
	blockLimitPrice   = "limit_price_block"
	blockEntryPrice   = "entry_price_block"
	blockConfirm      = "confirm_block"
	blockRisk         = "risk_display"
	blockActions      = "trade_actions"
	blockHint         = "hint_display"

	blockAlertName    = "alert_name_block"
	blockAlertSize    = "alert_size_block"
	blockAlertLossPct = "alert_loss_block"
	blockAlertVIX     = "alert_vix_block"
	blockAlertMonitor = "alert_monitor_block"
	blockAlertScan    = "alert_scan_block"
)

// Private metadata keys. entry_price is the authoritative derivation input
// and must survive partial re-renders.
const (
	metaEntryPrice    = "entry_price"
	metaEntrySource   = "entry_source"
	metaSymbol        = "symbol"
	metaUserID        = "user_id"
	metaChannelID     = "channel_id"
	metaCorrelationID = "correlation_id"
	metaRequireTicker = "require_ticker"
)

var priceRe = regexp.MustCompile(`\$([0-9][0-9,]*(?:\.[0-9]+)?)`)

// renderPrice formats the price display line the derivation reads back.
func renderPrice(symbol string, price decimal.Decimal) string {
	return fmt.Sprintf("Current price %s: *$%s*", symbol, price.StringFixed(4))
}

// parsePrice extracts the price from a rendered currency string.
func parsePrice(display string) (decimal.Decimal, bool) {
	m := priceRe.FindStringSubmatch(display)
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func (s *session) metadata() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := map[string]string{
		metaUserID:        s.userID,
		metaCorrelationID: s.correlationID,
	}
	if s.channelID != "" {
		m[metaChannelID] = s.channelID
	}
	if s.symbol != "" {
		m[metaSymbol] = s.symbol
	}
	if s.entryPrice.IsPositive() {
		m[metaEntryPrice] = s.entryPrice.String()
		m[metaEntrySource] = string(s.entrySource)
	}
	if s.requireTicker {
		m[metaRequireTicker] = "1"
	}
	return chat.EncodeMetadata(m)
}

var orderTypeLabels = map[domain.OrderType]string{
	domain.OrderMarket:    "Market",
	domain.OrderLimit:     "Limit",
	domain.OrderStop:      "Stop",
	domain.OrderStopLimit: "Stop limit",
}

func orderTypeOptions() []*chat.Option {
	types := []domain.OrderType{domain.OrderMarket, domain.OrderLimit, domain.OrderStop, domain.OrderStopLimit}
	opts := make([]*chat.Option, 0, len(types))
	for _, ot := range types {
		opts = append(opts, &chat.Option{Text: chat.PlainText(orderTypeLabels[ot]), Value: string(ot)})
	}
	return opts
}

// tradeModal renders the whole trade modal from session state. A single
// modal instance is reused for the workflow; every transition re-renders
// this view against the same view id.
func (o *Orchestrator) tradeModal(s *session, hint string) *chat.View {
	s.mu.Lock()
	symbol := s.symbol
	side := s.side
	price := s.entryPrice
	quantity := s.quantity
	notional := s.notional
	orderType := s.orderType
	manualEntry := s.entrySource == domain.EntryPriceUser
	risk := s.risk
	requireTicker := s.requireTicker
	s.mu.Unlock()

	symbolInput := chat.InputBlock(blockSymbol, ActionSymbolInput, "Symbol", "AAPL")
	if symbol != "" {
		symbolInput.Element.InitialValue = symbol
	}

	priceText := "Current price: awaiting symbol"
	if price.IsPositive() {
		priceText = renderPrice(symbol, price)
	} else if manualEntry {
		priceText = "Quote unavailable, enter a price below"
	}

	quantityInput := chat.InputBlock(blockQuantity, ActionQuantityInput, "Quantity (shares)", "100")
	if quantity > 0 {
		quantityInput.Element.InitialValue = fmt.Sprintf("%d", quantity)
	}
	notionalInput := chat.InputBlock(blockNotional, ActionNotionalInput, "Notional (USD)", "15000.00")
	if notional.IsPositive() {
		notionalInput.Element.InitialValue = notional.StringFixed(2)
	}

	orderTypeSelect := &chat.Block{
		Type:    chat.BlockInput,
		BlockID: blockOrderType,
		Label:   chat.PlainText("Order type"),
		Element: &chat.Element{
			Type:     chat.ElementStaticSelect,
			ActionID: ActionOrderType,
			Options:  orderTypeOptions(),
			InitialOption: &chat.Option{
				Text:  chat.PlainText(orderTypeLabels[orderType]),
				Value: string(orderType),
			},
		},
		DispatchAction: true,
	}

	buyOpt := &chat.Option{Text: chat.PlainText("Buy"), Value: string(domain.SideBuy)}
	sellOpt := &chat.Option{Text: chat.PlainText("Sell"), Value: string(domain.SideSell)}
	sideInitial := buyOpt
	if side == domain.SideSell {
		sideInitial = sellOpt
	}
	sideSelect := &chat.Block{
		Type:    chat.BlockInput,
		BlockID: blockSide,
		Label:   chat.PlainText("Side"),
		Element: &chat.Element{
			Type:          chat.ElementStaticSelect,
			ActionID:      ActionSideSelect,
			Options:       []*chat.Option{buyOpt, sellOpt},
			InitialOption: sideInitial,
		},
	}

	blocks := []*chat.Block{
		symbolInput,
		chat.SectionBlock(blockPriceDisplay, priceText),
		sideSelect,
		quantityInput,
		notionalInput,
		orderTypeSelect,
	}

	if orderType.RequiresLimitPrice() {
		blocks = append(blocks, chat.InputBlock(blockLimitPrice, ActionLimitPrice, "Limit price", "150.00"))
	}
	if manualEntry {
		blocks = append(blocks, chat.InputBlock(blockEntryPrice, ActionEntryPrice, "Entry price (manual)", "150.00"))
	}
	if risk != nil {
		text := fmt.Sprintf("Risk score *%d/10* — %s", risk.Score, risk.Narrative)
		if len(risk.Flags) > 0 {
			text += "\nFlags: " + strings.Join(risk.Flags, ", ")
		}
		blocks = append(blocks, chat.SectionBlock(blockRisk, text))
	}
	if requireTicker {
		blocks = append(blocks, chat.InputBlock(blockConfirm, ActionConfirmTicker,
			fmt.Sprintf("High risk: type %s to confirm", symbol), symbol))
	}
	if hint != "" {
		blocks = append(blocks, chat.SectionBlock(blockHint, ":warning: "+hint))
	}
	blocks = append(blocks, chat.ActionsBlock(blockActions,
		chat.ButtonElement(ActionAnalyzeRisk, "Analyze risk", "")))

	return &chat.View{
		Type:            "modal",
		CallbackID:      CallbackTradeModal,
		Title:           chat.PlainText("New Trade"),
		Submit:          chat.PlainText("Submit"),
		Close:           chat.PlainText("Cancel"),
		Blocks:          blocks,
		PrivateMetadata: s.metadata(),
	}
}

// resultModal renders the terminal confirmation or failure view.
func resultModal(title, body string) *chat.View {
	return &chat.View{
		Type:       "modal",
		CallbackID: CallbackTradeModal,
		Title:      chat.PlainText(title),
		Close:      chat.PlainText("Done"),
		Blocks:     []*chat.Block{chat.SectionBlock("result", body)},
	}
}

func yesNoSelect(blockID, actionID, label string, initial bool) *chat.Block {
	yes := &chat.Option{Text: chat.PlainText("Yes"), Value: "true"}
	no := &chat.Option{Text: chat.PlainText("No"), Value: "false"}
	sel := no
	if initial {
		sel = yes
	}
	return &chat.Block{
		Type:    chat.BlockInput,
		BlockID: blockID,
		Label:   chat.PlainText(label),
		Element: &chat.Element{
			Type:          chat.ElementStaticSelect,
			ActionID:      actionID,
			Options:       []*chat.Option{yes, no},
			InitialOption: sel,
		},
	}
}

// alertModal renders the risk-alert creation modal.
func alertModal(correlationID string) *chat.View {
	return &chat.View{
		Type:       "modal",
		CallbackID: CallbackAlertModal,
		Title:      chat.PlainText("New Risk Alert"),
		Submit:     chat.PlainText("Create"),
		Close:      chat.PlainText("Cancel"),
		Blocks: []*chat.Block{
			chat.InputBlock(blockAlertName, ActionAlertName, "Name", "Big drawdown"),
			chat.InputBlock(blockAlertSize, ActionAlertSize, "Trade size threshold (USD)", "10000"),
			chat.InputBlock(blockAlertLossPct, ActionAlertLossPct, "Loss threshold (%)", "3"),
			chat.InputBlock(blockAlertVIX, ActionAlertVIX, "VIX threshold", "20"),
			yesNoSelect(blockAlertMonitor, ActionAlertMonitor, "Monitor new trades", true),
			yesNoSelect(blockAlertScan, ActionAlertScan, "Scan existing trades now", false),
		},
		PrivateMetadata: chat.EncodeMetadata(map[string]string{metaCorrelationID: correlationID}),
	}
}

// alertListBlocks renders the management list with per-alert controls.
func alertListBlocks(alerts []*domain.RiskAlertConfig) []*chat.Block {
	if len(alerts) == 0 {
		return []*chat.Block{chat.SectionBlock("alerts_empty", "No risk alerts configured. Use /risk-alert to create one.")}
	}

	blocks := make([]*chat.Block, 0, len(alerts)*2)
	for _, a := range alerts {
		body := fmt.Sprintf("*%s* (%s)\nSize ≥ $%s · Loss ≥ %s%% · VIX ≥ %s · triggered %d times",
			a.Name, a.Status,
			a.TradeSizeThreshold.StringFixed(2), a.LossPctThreshold.StringFixed(2),
			a.VIXThreshold.StringFixed(2), a.TriggerCount)
		blocks = append(blocks, chat.SectionBlock("alert_"+a.AlertID, body))

		var controls []*chat.Element
		switch a.Status {
		case domain.AlertActive:
			controls = append(controls, buttonWithValue(ActionAlertPause, "Pause", "", a.AlertID))
		case domain.AlertPaused:
			controls = append(controls, buttonWithValue(ActionAlertResume, "Resume", chat.StylePrimary, a.AlertID))
		}
		controls = append(controls, buttonWithValue(ActionAlertDelete, "Delete", chat.StyleDanger, a.AlertID))
		blocks = append(blocks, chat.ActionsBlock("alert_actions_"+a.AlertID, controls...))
	}
	return blocks
}

func buttonWithValue(actionID, label, style, value string) *chat.Element {
	el := chat.ButtonElement(actionID, label, style)
	el.Value = value
	return el
}

// homeView renders the portfolio snapshot for the home tab: open positions
// and recent trade history.
func homeView(positions []*domain.Position, trades []*domain.Trade) *chat.View {
	lines := []string{"*Portfolio*"}
	if len(positions) == 0 {
		lines = append(lines, "No open positions.")
	}
	for _, p := range positions {
		lines = append(lines, fmt.Sprintf("%s: %d @ $%s (realized $%s)",
			p.Symbol, p.NetQuantity, p.CostBasis.StringFixed(4), p.RealizedPnL.StringFixed(2)))
	}

	history := []string{"*Recent trades*"}
	if len(trades) == 0 {
		history = append(history, "No trades yet.")
	}
	for _, t := range trades {
		history = append(history, fmt.Sprintf("%s %d %s — %s ($%s)",
			t.Side, t.Quantity, t.Symbol, t.Status, domain.Money(t.Notional()).StringFixed(2)))
	}

	return &chat.View{
		Type: "home",
		Blocks: []*chat.Block{
			chat.SectionBlock("home_positions", strings.Join(lines, "\n")),
			chat.DividerBlock(),
			chat.SectionBlock("home_trades", strings.Join(history, "\n")),
		},
	}
}

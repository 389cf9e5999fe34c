// Package orchestrator drives the modal trade workflow: slash command to
// modal, live field derivation, optional risk analysis, submission through
// the execution router, and the alert management surface.
package orchestrator

import "errors"

// Callback ids of the views the orchestrator owns.
const (
	CallbackTradeModal = "trade_modal"
	CallbackAlertModal = "alert_modal"
)

// Action ids form a closed set. Interactions referencing anything outside
// it are rejected with ErrUnknownAction instead of falling through to a
// generic handler.
const (
	ActionSymbolInput   = "trade_symbol"
	ActionSideSelect    = "trade_side"
	ActionQuantityInput = "trade_quantity"
	ActionNotionalInput = "trade_notional"
	ActionOrderType     = "trade_order_type"
	ActionLimitPrice    = "trade_limit_price"
	ActionEntryPrice    = "trade_entry_price"
	ActionConfirmTicker = "trade_confirm_ticker"
	ActionAnalyzeRisk   = "trade_analyze_risk"

	ActionAlertName    = "alert_name"
	ActionAlertSize    = "alert_size_threshold"
	ActionAlertLossPct = "alert_loss_pct_threshold"
	ActionAlertVIX     = "alert_vix_threshold"
	ActionAlertMonitor = "alert_monitor_new"
	ActionAlertScan    = "alert_scan_existing"
	ActionAlertPause   = "alert_pause"
	ActionAlertResume  = "alert_resume"
	ActionAlertDelete  = "alert_delete"
	ActionAlertRestore = "alert_restore"
)

// ErrUnknownAction marks an interaction whose action id is outside the
// known set.
var ErrUnknownAction = errors.New("unknown action id")

var knownActions = map[string]bool{
	ActionSymbolInput:   true,
	ActionSideSelect:    true,
	ActionQuantityInput: true,
	ActionNotionalInput: true,
	ActionOrderType:     true,
	ActionLimitPrice:    true,
	ActionEntryPrice:    true,
	ActionConfirmTicker: true,
	ActionAnalyzeRisk:   true,
	ActionAlertName:     true,
	ActionAlertSize:     true,
	ActionAlertLossPct:  true,
	ActionAlertVIX:      true,
	ActionAlertMonitor:  true,
	ActionAlertScan:     true,
	ActionAlertPause:    true,
	ActionAlertResume:   true,
	ActionAlertDelete:   true,
	ActionAlertRestore:  true,
}

// KnownAction reports whether the action id belongs to the closed set.
func KnownAction(id string) bool {
	return knownActions[id]
}

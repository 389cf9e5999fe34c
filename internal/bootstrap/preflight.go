package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"tradedesk/internal/config"
)

// checkPreFlight performs environment checks beyond schema validation.
// Failing any of these means the process cannot serve safely and must not
// start.
func checkPreFlight(cfg *config.Config) error {
	if cfg.Chat.BotToken == "" {
		return fmt.Errorf("chat.bot_token is required")
	}
	if cfg.Chat.SigningSecret == "" {
		return fmt.Errorf("chat.signing_secret is required")
	}

	// Real-broker routing is opt-in and paper-only. A live-looking key or
	// host is a misconfiguration, not something to downgrade silently at
	// startup.
	if cfg.Broker.UseRealTrading && cfg.Broker.Enabled && !cfg.PaperModeSatisfied() {
		return fmt.Errorf("broker: real trading requested but paper-mode constraints not met (key prefix %q, paper host %q)",
			config.PaperKeyPrefix, cfg.Broker.PaperHost)
	}

	if cfg.AI.Enabled && cfg.AI.APIKey == "" {
		return fmt.Errorf("ai.api_key is required when ai.enabled is set")
	}

	if dir := filepath.Dir(cfg.Persistence.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("persistence: cannot create db directory %s: %w", dir, err)
		}
	}
	return nil
}

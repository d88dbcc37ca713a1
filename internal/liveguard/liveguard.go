// Package liveguard gates order submission when live trading is enabled:
// symbol whitelist, order size/value limits, and a
// pre-live safety check, consulted by the control plane's order adapter
// before the Order Submitter consumes the approval token. Grounded on
// original_source/packages/live_order_validator/__init__.py.
package liveguard

import (
	"fmt"

	"github.com/Moodaro/ibkr-ai-broker-sub001/internal/safety"
)

// Config is the live-trading guardrail configuration.
type Config struct {
	Enabled               bool
	SymbolWhitelist       map[string]bool
	MaxOrderSize          float64
	MaxOrderValueUSD      float64
	RequireSafetyChecks   bool
	RequireManualApproval bool
}

// Validator enforces the live-trading guardrails.
type Validator struct {
	cfg     Config
	checker *safety.Checker
}

// NewValidator constructs a Validator bound to a live config and the
// shared safety Checker.
func NewValidator(cfg Config, checker *safety.Checker) *Validator {
	return &Validator{cfg: cfg, checker: checker}
}

// ValidateForLive runs the full guardrail chain for a candidate live
// order. skipSafetyChecks exists only for controlled dry-run exercises.
func (v *Validator) ValidateForLive(symbol string, quantity float64, estimatedPrice float64, skipSafetyChecks bool) (bool, string) {
	if !v.cfg.Enabled {
		return false, "Live trading is not enabled"
	}

	if !skipSafetyChecks {
		if ok, reason := v.validateSafetyChecks(); !ok {
			return false, reason
		}
	}

	if ok, reason := v.validateSymbol(symbol); !ok {
		return false, reason
	}

	if ok, reason := v.validateOrderSize(quantity); !ok {
		return false, reason
	}

	if estimatedPrice > 0 {
		if ok, reason := v.validateOrderValue(quantity, estimatedPrice); !ok {
			return false, reason
		}
	}

	return true, "Order passes live trading validation"
}

func (v *Validator) validateSafetyChecks() (bool, string) {
	if v.checker == nil {
		return false, "Safety checks failed: safety checker not configured"
	}
	result := v.checker.RunAll()
	if !result.ReadyForLive {
		reason := ""
		for i, issue := range result.BlockingIssues {
			if i > 0 {
				reason += "; "
			}
			reason += issue
		}
		return false, "Safety checks failed: " + reason
	}
	return true, "Safety checks passed"
}

func (v *Validator) validateSymbol(symbol string) (bool, string) {
	if len(v.cfg.SymbolWhitelist) > 0 && !v.cfg.SymbolWhitelist[symbol] {
		return false, fmt.Sprintf("Symbol %s not in live trading whitelist", symbol)
	}
	return true, "Symbol validated"
}

func (v *Validator) validateOrderSize(quantity float64) (bool, string) {
	if v.cfg.MaxOrderSize > 0 && quantity > v.cfg.MaxOrderSize {
		return false, fmt.Sprintf("Order size %.4f exceeds limit %.4f", quantity, v.cfg.MaxOrderSize)
	}
	return true, "Order size validated"
}

func (v *Validator) validateOrderValue(quantity, estimatedPrice float64) (bool, string) {
	value := quantity * estimatedPrice
	if v.cfg.MaxOrderValueUSD > 0 && value > v.cfg.MaxOrderValueUSD {
		return false, fmt.Sprintf("Order value $%.2f exceeds limit $%.2f", value, v.cfg.MaxOrderValueUSD)
	}
	return true, "Order value validated"
}

// Summary reports the current guardrail configuration for the status
// endpoint.
type Summary struct {
	LiveEnabled           bool
	MaxOrderSize          float64
	MaxOrderValueUSD      float64
	SymbolWhitelist       []string
	RequireSafetyChecks   bool
	RequireManualApproval bool
}

// GetValidationSummary returns the current configuration.
func (v *Validator) GetValidationSummary() Summary {
	symbols := make([]string, 0, len(v.cfg.SymbolWhitelist))
	for s := range v.cfg.SymbolWhitelist {
		symbols = append(symbols, s)
	}
	return Summary{
		LiveEnabled:           v.cfg.Enabled,
		MaxOrderSize:          v.cfg.MaxOrderSize,
		MaxOrderValueUSD:      v.cfg.MaxOrderValueUSD,
		SymbolWhitelist:       symbols,
		RequireSafetyChecks:   v.cfg.RequireSafetyChecks,
		RequireManualApproval: v.cfg.RequireManualApproval,
	}
}

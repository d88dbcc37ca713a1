// Package featureflags manages the runtime toggles that gate auto
// approval, live trading, and the dashboard/admin surfaces, grounded on
// original_source/packages/feature_flags/__init__.py's layered
// defaults-then-file-then-env loading, extended here with a durable
// runtime-override layer backed by goleveldb so an operator's admin
// toggle survives a process restart.
package featureflags

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// Flags is the full set of feature toggles consulted across the control
// plane.
type Flags struct {
	LiveTradingMode         bool    `json:"live_trading_mode"`
	AutoApproval            bool    `json:"auto_approval"`
	AutoApprovalMaxNotional float64 `json:"auto_approval_max_notional"`
	NewRiskRules            bool    `json:"new_risk_rules"`
	StrictValidation        bool    `json:"strict_validation"`
	EnableDashboard         bool    `json:"enable_dashboard"`
	EnableMCPServer         bool    `json:"enable_mcp_server"`
}

func defaults() Flags {
	return Flags{
		AutoApprovalMaxNotional: 1000.0,
		StrictValidation:        true,
		EnableDashboard:         true,
		EnableMCPServer:         true,
	}
}

// fromConfigFile loads JSON flags from configPath, falling back to
// defaults (silently, matching the original's "any load failure returns
// defaults" behavior) when the file is absent or malformed.
func fromConfigFile(configPath string) Flags {
	f := defaults()
	if configPath == "" {
		return f
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return f
	}
	onDisk := f
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		return f
	}
	return onDisk
}

func parseBool(value string, fallback bool) bool {
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseFloat(value string, fallback float64) float64 {
	if value == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return v
}

func applyEnvOverrides(f Flags) Flags {
	f.LiveTradingMode = parseBool(os.Getenv("LIVE_TRADING_MODE"), f.LiveTradingMode)
	f.AutoApproval = parseBool(os.Getenv("AUTO_APPROVAL"), f.AutoApproval)
	f.AutoApprovalMaxNotional = parseFloat(os.Getenv("AUTO_APPROVAL_MAX_NOTIONAL"), f.AutoApprovalMaxNotional)
	f.NewRiskRules = parseBool(os.Getenv("NEW_RISK_RULES"), f.NewRiskRules)
	f.StrictValidation = parseBool(os.Getenv("STRICT_VALIDATION"), f.StrictValidation)
	f.EnableDashboard = parseBool(os.Getenv("ENABLE_DASHBOARD"), f.EnableDashboard)
	f.EnableMCPServer = parseBool(os.Getenv("ENABLE_MCP_SERVER"), f.EnableMCPServer)
	return f
}

const overrideKey = "flags/current"

// Store serves Flags to the rest of the control plane. Priority, lowest
// to highest: built-in defaults, config file, environment variables,
// durable runtime overrides (written by SetOverride, persisted here, and
// winning over everything else).
type Store struct {
	mu       sync.RWMutex
	base     Flags // defaults < file < env, computed once at Load
	override *Flags
	db       *leveldb.DB
}

// Load builds the base layer from configPath and the environment, then
// opens (or creates) a goleveldb database at dbPath to recover any
// previously persisted runtime override.
func Load(configPath, dbPath string) (*Store, error) {
	base := applyEnvOverrides(fromConfigFile(configPath))
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{base: base, db: db}
	if raw, err := db.Get([]byte(overrideKey), nil); err == nil {
		var ov Flags
		if jerr := json.Unmarshal(raw, &ov); jerr == nil {
			s.override = &ov
		}
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Current returns the effective flags: the durable override if one has
// been set, otherwise the defaults/file/env base layer.
func (s *Store) Current() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override != nil {
		return *s.override
	}
	return s.base
}

// SetOverride persists a new runtime override, replacing the in-memory
// and on-disk state. No HTTP route calls it; outside this package's
// tests nothing in the repository does.
func (s *Store) SetOverride(f Flags) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.db.Put([]byte(overrideKey), raw, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.override = &f
	s.mu.Unlock()
	return nil
}

// ClearOverride removes any durable override, reverting to the
// defaults/file/env base layer.
func (s *Store) ClearOverride() error {
	if err := s.db.Delete([]byte(overrideKey), nil); err != nil && err != leveldb.ErrNotFound {
		return err
	}
	s.mu.Lock()
	s.override = nil
	s.mu.Unlock()
	return nil
}

// autoApprovalAdapter adapts a Flags snapshot to lifecycle.FeatureFlags
// without lifecycle importing this package.
type autoApprovalAdapter struct{ f Flags }

func (a autoApprovalAdapter) AutoApproval() bool              { return a.f.AutoApproval }
func (a autoApprovalAdapter) AutoApprovalMaxNotional() float64 { return a.f.AutoApprovalMaxNotional }

// AsLifecycleFlags snapshots the current flags into an adapter satisfying
// lifecycle.FeatureFlags.
func (s *Store) AsLifecycleFlags() interface {
	AutoApproval() bool
	AutoApprovalMaxNotional() float64
} {
	return autoApprovalAdapter{f: s.Current()}
}

package lifecycle

import "encoding/json"

// Intent is the canonical order intent carried as IntentJSON. Its
// serialization is the cryptographic binding material for approval
// tokens: hash(serialize(intent)) must be stable across
// runs, so field order here is fixed by struct tag order and no floating
// extra fields are permitted through extra marshal/unmarshal passes.
type Intent struct {
	Symbol    string  `json:"symbol"`
	SecType   string  `json:"sec_type"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
	Quantity  float64 `json:"quantity"`
	LimitPx   float64 `json:"limit_price,omitempty"`
}

// ParseIntent decodes the canonical intent payload.
func ParseIntent(raw []byte) (Intent, error) {
	var in Intent
	if err := json.Unmarshal(raw, &in); err != nil {
		return Intent{}, err
	}
	return in, nil
}

// Marshal serializes the intent using the canonical field order.
func (i Intent) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// SimulationResult is the oracle output parsed from SimulationJSON; only
// the fields the core needs (notional, for the auto-approval threshold
// check) are modeled here — the rest of the simulation oracle's payload is
// treated as opaque here.
type SimulationResult struct {
	GrossNotional float64 `json:"gross_notional"`
}

// ParseSimulation decodes the simulation oracle payload.
func ParseSimulation(raw []byte) (SimulationResult, error) {
	var sim SimulationResult
	if err := json.Unmarshal(raw, &sim); err != nil {
		return SimulationResult{}, err
	}
	return sim, nil
}

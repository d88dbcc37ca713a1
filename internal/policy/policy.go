// Package policy evaluates the auto-approval policy: whitelist/blacklist,
// security type, time window, order type, DCA
// schedule, and position-size rules, all of which must pass for a proposal
// to bypass manual review.
package policy

import (
	"fmt"
	"time"
)

// TimeWindow restricts auto-approval to a clock-time range on a set of
// weekdays.
type TimeWindow struct {
	Start time.Duration // offset since midnight, e.g. 9h30m
	End   time.Duration
	Days  map[time.Weekday]bool
}

func (w TimeWindow) contains(dayOffset time.Duration, day time.Weekday) bool {
	if !w.Days[day] {
		return false
	}
	return dayOffset >= w.Start && dayOffset <= w.End
}

// DCASchedule whitelists a recurring (symbol, side, order type) tuple up to
// a maximum per-order notional.
type DCASchedule struct {
	Symbols      map[string]bool
	MaxOrderSize float64
	Side         string
	OrderType    string
}

func (s DCASchedule) matches(symbol, side, orderType string) bool {
	return s.Symbols[symbol] && s.Side == side && s.OrderType == orderType
}

// Descriptor is the policy configuration evaluated by Evaluator.
type Descriptor struct {
	Enabled          bool
	Whitelist        map[string]bool // nil means "all symbols allowed"
	Blacklist        map[string]bool
	AllowedSecTypes  map[string]bool
	AllowedOrderType map[string]bool
	TimeWindows      []TimeWindow
	DCASchedules     []DCASchedule
	MaxPositionPct   *float64 // nil means no limit
}

// Context carries the evaluation inputs for a single proposal.
type Context struct {
	Symbol       string
	SecType      string
	Side         string
	OrderType    string
	Notional     float64
	NowLocal     time.Time
	DayOfWeek    time.Weekday
	PortfolioNAV *float64
}

// Evaluator checks a Context against a Descriptor.
type Evaluator struct {
	descriptor Descriptor
}

// NewEvaluator constructs an Evaluator for the given policy descriptor.
func NewEvaluator(d Descriptor) *Evaluator {
	return &Evaluator{descriptor: d}
}

// CheckAll runs every rule independently and accumulates all failing
// reasons so the caller can show them together.
func (e *Evaluator) CheckAll(ctx Context) (bool, []string) {
	d := e.descriptor
	if !d.Enabled {
		return false, []string{"Policy disabled"}
	}

	var reasons []string

	if ok, reason := e.checkSymbol(ctx.Symbol); !ok {
		reasons = append(reasons, reason)
	}
	if ok, reason := e.checkSecurityType(ctx.SecType); !ok {
		reasons = append(reasons, reason)
	}
	if ok, reason := e.checkTimeWindow(ctx.NowLocal, ctx.DayOfWeek); !ok {
		reasons = append(reasons, reason)
	}
	if ok, reason := e.checkOrderType(ctx.OrderType); !ok {
		reasons = append(reasons, reason)
	}
	if ok, reason := e.checkDCASchedule(ctx.Symbol, ctx.Side, ctx.OrderType, ctx.Notional); !ok {
		reasons = append(reasons, reason)
	}
	if ok, reason := e.checkPositionSize(ctx.Notional, ctx.PortfolioNAV); !ok {
		reasons = append(reasons, reason)
	}

	return len(reasons) == 0, reasons
}

func (e *Evaluator) checkSymbol(symbol string) (bool, string) {
	d := e.descriptor
	if d.Blacklist[symbol] {
		return false, fmt.Sprintf("Symbol %s is blacklisted", symbol)
	}
	if d.Whitelist != nil && !d.Whitelist[symbol] {
		return false, fmt.Sprintf("Policy: %s not in whitelist", symbol)
	}
	return true, ""
}

func (e *Evaluator) checkSecurityType(secType string) (bool, string) {
	d := e.descriptor
	if len(d.AllowedSecTypes) == 0 {
		return true, ""
	}
	if !d.AllowedSecTypes[secType] {
		return false, fmt.Sprintf("Security type %s not allowed", secType)
	}
	return true, ""
}

func (e *Evaluator) checkTimeWindow(now time.Time, day time.Weekday) (bool, string) {
	d := e.descriptor
	if len(d.TimeWindows) == 0 {
		return true, ""
	}
	offset := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute + time.Duration(now.Second())*time.Second
	for _, w := range d.TimeWindows {
		if w.contains(offset, day) {
			return true, ""
		}
	}
	return false, "Outside allowed time window"
}

func (e *Evaluator) checkOrderType(orderType string) (bool, string) {
	d := e.descriptor
	if len(d.AllowedOrderType) == 0 {
		return true, ""
	}
	if !d.AllowedOrderType[orderType] {
		return false, fmt.Sprintf("Order type %s not allowed", orderType)
	}
	return true, ""
}

func (e *Evaluator) checkDCASchedule(symbol, side, orderType string, notional float64) (bool, string) {
	d := e.descriptor
	if len(d.DCASchedules) == 0 {
		return true, ""
	}
	for _, s := range d.DCASchedules {
		if !s.matches(symbol, side, orderType) {
			continue
		}
		if notional > s.MaxOrderSize {
			return false, fmt.Sprintf("DCA order size $%.2f exceeds limit $%.2f", notional, s.MaxOrderSize)
		}
		return true, ""
	}
	return true, ""
}

func (e *Evaluator) checkPositionSize(notional float64, portfolioNAV *float64) (bool, string) {
	d := e.descriptor
	if d.MaxPositionPct == nil {
		return true, ""
	}
	if portfolioNAV == nil || *portfolioNAV <= 0 {
		return false, "Cannot verify position size limit (portfolio NAV unavailable)"
	}
	pct := notional / *portfolioNAV * 100
	if pct > *d.MaxPositionPct {
		return false, fmt.Sprintf("Position size %.2f%% exceeds limit %.2f%%", pct, *d.MaxPositionPct)
	}
	return true, ""
}

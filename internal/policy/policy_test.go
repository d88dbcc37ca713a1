package policy

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ctxFor(symbol string, notional float64) Context {
	return Context{Symbol: symbol, SecType: "STK", Side: "BUY", OrderType: "LMT", Notional: notional}
}

func TestCheckAllDisabledPolicy(t *testing.T) {
	e := NewEvaluator(Descriptor{})
	ok, reasons := e.CheckAll(ctxFor("AAPL", 100))
	assert.False(t, ok)
	assert.Equal(t, []string{"Policy disabled"}, reasons)
}

func TestCheckSymbolWhitelistAndBlacklist(t *testing.T) {
	cases := []struct {
		name   string
		d      Descriptor
		symbol string
		ok     bool
	}{
		{"no lists allows anything", Descriptor{Enabled: true}, "TSLA", true},
		{"whitelist blocks unlisted", Descriptor{Enabled: true, Whitelist: map[string]bool{"AAPL": true}}, "TSLA", false},
		{"whitelist allows listed", Descriptor{Enabled: true, Whitelist: map[string]bool{"AAPL": true}}, "AAPL", true},
		{"blacklist blocks listed", Descriptor{Enabled: true, Blacklist: map[string]bool{"GME": true}}, "GME", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := NewEvaluator(c.d)
			ok, _ := e.CheckAll(ctxFor(c.symbol, 100))
			assert.Equal(t, c.ok, ok)
		})
	}
}

func TestCheckSecurityTypeAllowList(t *testing.T) {
	e := NewEvaluator(Descriptor{Enabled: true, AllowedSecTypes: map[string]bool{"STK": true}})
	ok, reasons := e.CheckAll(Context{Symbol: "AAPL", SecType: "OPT", OrderType: "LMT", Notional: 100})
	assert.False(t, ok)
	assert.Contains(t, reasons, "Security type OPT not allowed")
}

func TestCheckTimeWindow(t *testing.T) {
	d := Descriptor{
		Enabled: true,
		TimeWindows: []TimeWindow{
			{Start: 9 * time.Hour, End: 16 * time.Hour, Days: map[time.Weekday]bool{time.Monday: true}},
		},
	}
	e := NewEvaluator(d)

	inside := Context{Symbol: "AAPL", OrderType: "LMT", NowLocal: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), DayOfWeek: time.Monday}
	ok, _ := e.CheckAll(inside)
	assert.True(t, ok)

	outsideHours := Context{Symbol: "AAPL", OrderType: "LMT", NowLocal: time.Date(2026, 1, 5, 20, 0, 0, 0, time.UTC), DayOfWeek: time.Monday}
	ok, reasons := e.CheckAll(outsideHours)
	assert.False(t, ok)
	assert.Contains(t, reasons, "Outside allowed time window")

	wrongDay := Context{Symbol: "AAPL", OrderType: "LMT", NowLocal: time.Date(2026, 1, 6, 10, 0, 0, 0, time.UTC), DayOfWeek: time.Tuesday}
	ok, _ = e.CheckAll(wrongDay)
	assert.False(t, ok)
}

func TestCheckOrderType(t *testing.T) {
	e := NewEvaluator(Descriptor{Enabled: true, AllowedOrderType: map[string]bool{"LMT": true}})
	ok, reasons := e.CheckAll(ctxFor("AAPL", 100))
	assert.True(t, ok)

	e2 := NewEvaluator(Descriptor{Enabled: true, AllowedOrderType: map[string]bool{"MKT": true}})
	ok, reasons = e2.CheckAll(ctxFor("AAPL", 100))
	assert.False(t, ok)
	assert.Contains(t, reasons, "Order type LMT not allowed")
}

func TestCheckDCASchedule(t *testing.T) {
	d := Descriptor{
		Enabled: true,
		DCASchedules: []DCASchedule{
			{Symbols: map[string]bool{"AAPL": true}, Side: "BUY", OrderType: "LMT", MaxOrderSize: 1000},
		},
	}
	e := NewEvaluator(d)

	ok, _ := e.CheckAll(ctxFor("AAPL", 500))
	assert.True(t, ok)

	ok, reasons := e.CheckAll(ctxFor("AAPL", 5000))
	assert.False(t, ok)
	assert.Contains(t, reasons, "DCA order size $5000.00 exceeds limit $1000.00")

	// non-matching symbol is unaffected by the schedule.
	ok, _ = e.CheckAll(ctxFor("MSFT", 5000))
	assert.True(t, ok)
}

func TestCheckPositionSize(t *testing.T) {
	limit := 5.0
	d := Descriptor{Enabled: true, MaxPositionPct: &limit}
	e := NewEvaluator(d)

	nav := 100000.0
	ctx := ctxFor("AAPL", 4000)
	ctx.PortfolioNAV = &nav
	ok, _ := e.CheckAll(ctx)
	assert.True(t, ok)

	ctx.Notional = 10000
	ok, reasons := e.CheckAll(ctx)
	assert.False(t, ok)
	assert.Contains(t, reasons[0], "exceeds limit")

	ctxNoNAV := ctxFor("AAPL", 100)
	ok, reasons = e.CheckAll(ctxNoNAV)
	assert.False(t, ok)
	assert.Contains(t, reasons, "Cannot verify position size limit (portfolio NAV unavailable)")
}

func TestCheckAllAccumulatesAllFailures(t *testing.T) {
	d := Descriptor{
		Enabled:         true,
		Blacklist:       map[string]bool{"GME": true},
		AllowedSecTypes: map[string]bool{"STK": true},
	}
	e := NewEvaluator(d)
	ok, reasons := e.CheckAll(Context{Symbol: "GME", SecType: "OPT", OrderType: "LMT", Notional: 100})
	assert.False(t, ok)
	assert.Len(t, reasons, 2)
}

func TestLoadDescriptorMissingFileYieldsDisabled(t *testing.T) {
	d, err := LoadDescriptor("/nonexistent/path/descriptor.yaml")
	assert.NoError(t, err)
	assert.False(t, d.Enabled)
}

func TestLoadDescriptorEmptyPathYieldsDisabled(t *testing.T) {
	d, err := LoadDescriptor("")
	assert.NoError(t, err)
	assert.False(t, d.Enabled)
}

func TestLoadDescriptorParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/descriptor.yaml"
	content := `
enabled: true
whitelist: ["AAPL", "MSFT"]
allowed_sec_types: ["STK"]
allowed_order_types: ["LMT"]
max_position_pct: 10
time_windows:
  - start: "09:30"
    end: "16:00"
    days: ["monday", "tuesday"]
dca_schedules:
  - symbols: ["AAPL"]
    max_order_size: 1000
    side: "BUY"
    order_type: "LMT"
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	d, err := LoadDescriptor(path)
	assert.NoError(t, err)
	assert.True(t, d.Enabled)
	assert.True(t, d.Whitelist["AAPL"])
	assert.True(t, d.AllowedSecTypes["STK"])
	assert.NotNil(t, d.MaxPositionPct)
	assert.Equal(t, 10.0, *d.MaxPositionPct)
	assert.Len(t, d.TimeWindows, 1)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d.TimeWindows[0].Start)
	assert.Len(t, d.DCASchedules, 1)
}

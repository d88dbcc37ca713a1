package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// descriptorFile is the on-disk YAML shape for a policy Descriptor.
type descriptorFile struct {
	Enabled          bool     `yaml:"enabled"`
	Whitelist        []string `yaml:"whitelist"`
	Blacklist        []string `yaml:"blacklist"`
	AllowedSecTypes  []string `yaml:"allowed_sec_types"`
	AllowedOrderType []string `yaml:"allowed_order_types"`
	MaxPositionPct   *float64 `yaml:"max_position_pct"`
	TimeWindows      []struct {
		Start string   `yaml:"start"`
		End   string   `yaml:"end"`
		Days  []string `yaml:"days"`
	} `yaml:"time_windows"`
	DCASchedules []struct {
		Symbols      []string `yaml:"symbols"`
		MaxOrderSize float64  `yaml:"max_order_size"`
		Side         string   `yaml:"side"`
		OrderType    string   `yaml:"order_type"`
	} `yaml:"dca_schedules"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	out := make(map[string]bool, len(vals))
	for _, v := range vals {
		out[v] = true
	}
	return out
}

func parseClockOffset(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("policy: invalid clock offset %q: %w", s, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// LoadDescriptor reads a policy Descriptor from a YAML file. A missing
// file yields a disabled Descriptor, matching the auto-approval
// decision's "Policy disabled" short-circuit.
func LoadDescriptor(path string) (Descriptor, error) {
	if path == "" {
		return Descriptor{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Descriptor{}, nil
		}
		return Descriptor{}, fmt.Errorf("policy: read descriptor: %w", err)
	}

	var f descriptorFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Descriptor{}, fmt.Errorf("policy: parse descriptor: %w", err)
	}

	d := Descriptor{
		Enabled:          f.Enabled,
		Whitelist:        toSet(f.Whitelist),
		Blacklist:        toSet(f.Blacklist),
		AllowedSecTypes:  toSet(f.AllowedSecTypes),
		AllowedOrderType: toSet(f.AllowedOrderType),
		MaxPositionPct:   f.MaxPositionPct,
	}

	for _, tw := range f.TimeWindows {
		start, err := parseClockOffset(tw.Start)
		if err != nil {
			return Descriptor{}, err
		}
		end, err := parseClockOffset(tw.End)
		if err != nil {
			return Descriptor{}, err
		}
		days := make(map[time.Weekday]bool, len(tw.Days))
		for _, dayName := range tw.Days {
			if wd, ok := weekdayNames[dayName]; ok {
				days[wd] = true
			}
		}
		d.TimeWindows = append(d.TimeWindows, TimeWindow{Start: start, End: end, Days: days})
	}

	for _, s := range f.DCASchedules {
		d.DCASchedules = append(d.DCASchedules, DCASchedule{
			Symbols:      toSet(s.Symbols),
			MaxOrderSize: s.MaxOrderSize,
			Side:         s.Side,
			OrderType:    s.OrderType,
		})
	}

	return d, nil
}

package proposal

import (
	"fmt"
	"strconv"
	"strings"
)

// SettingKind identifies a protective setting on a child record.
type SettingKind string

const (
	// KindMonitoringInterval is the location check-in interval in minutes.
	// A shorter interval is more protective.
	KindMonitoringInterval SettingKind = "monitoring_interval"
	// KindRetentionDays is how long activity history is retained. Longer
	// retention is more protective.
	KindRetentionDays SettingKind = "retention_days"
	// KindScreenTimeMinutes is the daily screen time allowance. Less screen
	// time is more protective.
	KindScreenTimeMinutes SettingKind = "screen_time_minutes"
	// KindBedtimeStart is the bedtime lock start, minutes after midnight.
	// An earlier start is more protective.
	KindBedtimeStart SettingKind = "bedtime_start"
	// KindBedtimeEnd is the bedtime lock end, minutes after midnight. A
	// later end is more protective.
	KindBedtimeEnd SettingKind = "bedtime_end"
	// KindContentFilterLevel is the content filter strictness.
	KindContentFilterLevel SettingKind = "content_filter_level"
	// KindLocationSharing toggles location sharing with guardians. Turning
	// it on requires consent from a second guardian but never a cooling
	// period; turning it off is a protection decrease.
	KindLocationSharing SettingKind = "location_sharing"
	// KindCrisisContacts is the allow-list of crisis contacts. Allow-list
	// edits never require cooling: additions can only increase safety.
	KindCrisisContacts SettingKind = "crisis_contacts"
)

// direction designates which way a setting's value moves to become more
// protective.
type direction int

const (
	lowerIsProtective direction = iota
	higherIsProtective
	allowList
)

// Content filter levels ordered from least to most protective.
var filterLevels = map[string]int{
	"off":      0,
	"minimal":  1,
	"moderate": 2,
	"strict":   3,
}

var locationLevels = map[string]int{
	"off": 0,
	"on":  1,
}

type kindSpec struct {
	dir  direction
	rank map[string]int // nil for numeric kinds
}

// kindSpecs is the data table behind RequiresCoolingPeriod: one designated
// protective direction per kind, no per-call guessing.
var kindSpecs = map[SettingKind]kindSpec{
	KindMonitoringInterval: {dir: lowerIsProtective},
	KindRetentionDays:      {dir: higherIsProtective},
	KindScreenTimeMinutes:  {dir: lowerIsProtective},
	KindBedtimeStart:       {dir: lowerIsProtective},
	KindBedtimeEnd:         {dir: higherIsProtective},
	KindContentFilterLevel: {dir: higherIsProtective, rank: filterLevels},
	KindLocationSharing:    {dir: higherIsProtective, rank: locationLevels},
	KindCrisisContacts:     {dir: allowList},
}

// KnownKind reports whether kind has a registered direction rule.
func KnownKind(kind SettingKind) bool {
	_, ok := kindSpecs[kind]
	return ok
}

// ValidateValue checks that value is well formed for the kind.
func ValidateValue(kind SettingKind, value string) error {
	spec, ok := kindSpecs[kind]
	if !ok {
		return fmt.Errorf("unknown setting kind %q", kind)
	}
	if spec.dir == allowList {
		return nil
	}
	if spec.rank != nil {
		if _, ok := spec.rank[strings.ToLower(strings.TrimSpace(value))]; !ok {
			return fmt.Errorf("unsupported value %q for %s", value, kind)
		}
		return nil
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
		return fmt.Errorf("value %q for %s is not numeric", value, kind)
	}
	return nil
}

// RequiresCoolingPeriod reports whether changing kind from current to proposed
// moves the setting in the less protective direction. Equal values and
// allow-list kinds never require cooling. The comparison is a strict
// inequality in the kind's designated direction.
func RequiresCoolingPeriod(kind SettingKind, current, proposed string) bool {
	spec, ok := kindSpecs[kind]
	if !ok || spec.dir == allowList {
		return false
	}

	cur, curErr := settingRank(spec, current)
	prop, propErr := settingRank(spec, proposed)
	if curErr != nil || propErr != nil {
		return false
	}

	switch spec.dir {
	case lowerIsProtective:
		return prop > cur
	case higherIsProtective:
		return prop < cur
	}
	return false
}

// IsProtectionIncrease reports whether the change moves the setting strictly
// in the more protective direction. Used to gate emergency auto-apply.
func IsProtectionIncrease(kind SettingKind, current, proposed string) bool {
	spec, ok := kindSpecs[kind]
	if !ok {
		return false
	}
	if spec.dir == allowList {
		// Allow-list additions only ever increase safety.
		return true
	}

	cur, curErr := settingRank(spec, current)
	prop, propErr := settingRank(spec, proposed)
	if curErr != nil || propErr != nil {
		return false
	}

	switch spec.dir {
	case lowerIsProtective:
		return prop < cur
	case higherIsProtective:
		return prop > cur
	}
	return false
}

func settingRank(spec kindSpec, value string) (float64, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if spec.rank != nil {
		r, ok := spec.rank[value]
		if !ok {
			return 0, fmt.Errorf("unsupported value %q", value)
		}
		return float64(r), nil
	}
	return strconv.ParseFloat(value, 64)
}

package proposal

import "testing"

func TestRequiresCoolingPeriodDirections(t *testing.T) {
	cases := []struct {
		name     string
		kind     SettingKind
		current  string
		proposed string
		want     bool
	}{
		{"longer monitoring interval decreases protection", KindMonitoringInterval, "15", "60", true},
		{"shorter monitoring interval increases protection", KindMonitoringInterval, "60", "15", false},
		{"shorter retention decreases protection", KindRetentionDays, "90", "30", true},
		{"longer retention increases protection", KindRetentionDays, "30", "90", false},
		{"more screen time decreases protection", KindScreenTimeMinutes, "120", "240", true},
		{"less screen time increases protection", KindScreenTimeMinutes, "240", "120", false},
		{"later bedtime start decreases protection", KindBedtimeStart, "1260", "1320", true},
		{"earlier bedtime end decreases protection", KindBedtimeEnd, "420", "360", true},
		{"weaker content filter decreases protection", KindContentFilterLevel, "strict", "moderate", true},
		{"stronger content filter increases protection", KindContentFilterLevel, "minimal", "strict", false},
		{"location sharing off decreases protection", KindLocationSharing, "on", "off", true},
		{"location sharing on increases protection", KindLocationSharing, "off", "on", false},
		{"crisis contacts never cool", KindCrisisContacts, "", "new-contact", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RequiresCoolingPeriod(tc.kind, tc.current, tc.proposed); got != tc.want {
				t.Fatalf("RequiresCoolingPeriod(%s, %q, %q) = %v, want %v",
					tc.kind, tc.current, tc.proposed, got, tc.want)
			}
		})
	}
}

func TestRequiresCoolingPeriodEqualValues(t *testing.T) {
	if RequiresCoolingPeriod(KindScreenTimeMinutes, "120", "120") {
		t.Fatal("no-op change must not require cooling")
	}
	if RequiresCoolingPeriod(KindContentFilterLevel, "moderate", "moderate") {
		t.Fatal("no-op enum change must not require cooling")
	}
}

func TestRequiresCoolingPeriodUnparseableValues(t *testing.T) {
	if RequiresCoolingPeriod(KindScreenTimeMinutes, "", "240") {
		t.Fatal("unparseable current value must not require cooling")
	}
	if RequiresCoolingPeriod(KindContentFilterLevel, "bogus", "off") {
		t.Fatal("unknown enum value must not require cooling")
	}
}

func TestIsProtectionIncrease(t *testing.T) {
	cases := []struct {
		kind     SettingKind
		current  string
		proposed string
		want     bool
	}{
		{KindMonitoringInterval, "60", "15", true},
		{KindMonitoringInterval, "15", "60", false},
		{KindMonitoringInterval, "15", "15", false},
		{KindRetentionDays, "30", "90", true},
		{KindContentFilterLevel, "off", "strict", true},
		{KindContentFilterLevel, "strict", "off", false},
		{KindLocationSharing, "off", "on", true},
		{KindCrisisContacts, "", "addition", true},
	}
	for _, tc := range cases {
		if got := IsProtectionIncrease(tc.kind, tc.current, tc.proposed); got != tc.want {
			t.Fatalf("IsProtectionIncrease(%s, %q, %q) = %v, want %v",
				tc.kind, tc.current, tc.proposed, got, tc.want)
		}
	}
}

func TestValidateValue(t *testing.T) {
	if err := ValidateValue(KindScreenTimeMinutes, "120"); err != nil {
		t.Fatalf("numeric value rejected: %v", err)
	}
	if err := ValidateValue(KindScreenTimeMinutes, "lots"); err == nil {
		t.Fatal("non-numeric value accepted")
	}
	if err := ValidateValue(KindContentFilterLevel, "Strict"); err != nil {
		t.Fatalf("case-insensitive enum rejected: %v", err)
	}
	if err := ValidateValue(KindContentFilterLevel, "maximum"); err == nil {
		t.Fatal("unknown filter level accepted")
	}
	if err := ValidateValue(SettingKind("nonsense"), "1"); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if err := ValidateValue(KindCrisisContacts, "anything"); err != nil {
		t.Fatalf("allow-list value rejected: %v", err)
	}
}

func TestKnownKind(t *testing.T) {
	for _, kind := range []SettingKind{
		KindMonitoringInterval, KindRetentionDays, KindScreenTimeMinutes,
		KindBedtimeStart, KindBedtimeEnd, KindContentFilterLevel,
		KindLocationSharing, KindCrisisContacts,
	} {
		if !KnownKind(kind) {
			t.Fatalf("kind %s not registered", kind)
		}
	}
	if KnownKind(SettingKind("wifi_password")) {
		t.Fatal("unregistered kind reported as known")
	}
}

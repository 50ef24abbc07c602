package campaigns

import (
	"testing"
	"time"
)

func weekdaySettings() Settings {
	return Settings{
		BusinessHours: BusinessHours{Enabled: true, Days: []int{0, 1, 2, 3, 4}, Start: "09:00", End: "17:00"},
		Timezone:      "America/New_York",
	}
}

func TestWithinBusinessHours_WeekendRejected(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	saturday := time.Date(2025, 3, 8, 10, 0, 0, 0, loc)

	ok, err := weekdaySettings().WithinBusinessHours(saturday)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ok {
		t.Fatalf("expected Saturday 10:00 to be rejected")
	}
}

func TestWithinBusinessHours_WeekdayAccepted(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	tuesday := time.Date(2025, 3, 4, 10, 0, 0, 0, loc)

	ok, err := weekdaySettings().WithinBusinessHours(tuesday)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !ok {
		t.Fatalf("expected Tuesday 10:00 to be accepted")
	}
}

func TestWithinBusinessHours_EvaluatedInCampaignTimezone(t *testing.T) {
	// 15:30 UTC on a Tuesday is 10:30 in New York but 00:30 Wednesday in Tokyo.
	at := time.Date(2025, 3, 4, 15, 30, 0, 0, time.UTC)

	s := weekdaySettings()
	if ok, _ := s.WithinBusinessHours(at); !ok {
		t.Fatalf("expected accepted in New York")
	}
	s.Timezone = "Asia/Tokyo"
	if ok, _ := s.WithinBusinessHours(at); ok {
		t.Fatalf("expected rejected in Tokyo")
	}
}

func TestWithinBusinessHours_EndIsExclusive(t *testing.T) {
	at := time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)
	s := weekdaySettings()
	s.Timezone = "UTC"
	if ok, _ := s.WithinBusinessHours(at); ok {
		t.Fatalf("expected 17:00 to be outside a 09:00-17:00 window")
	}
}

func TestWithinBusinessHours_DisabledAlwaysAllows(t *testing.T) {
	s := weekdaySettings()
	s.BusinessHours.Enabled = false
	sunday := time.Date(2025, 3, 9, 3, 0, 0, 0, time.UTC)
	if ok, err := s.WithinBusinessHours(sunday); !ok || err != nil {
		t.Fatalf("expected disabled hours to allow, ok=%v err=%v", ok, err)
	}
}

func TestWithinBusinessHours_FailsOpen(t *testing.T) {
	cases := []Settings{
		{BusinessHours: BusinessHours{Enabled: true, Days: []int{0}, Start: "09:00", End: "17:00"}, Timezone: "Mars/Olympus"},
		{BusinessHours: BusinessHours{Enabled: true, Days: []int{0}, Start: "nine", End: "17:00"}, Timezone: "UTC"},
	}
	for _, s := range cases {
		ok, err := s.WithinBusinessHours(time.Date(2025, 3, 9, 3, 0, 0, 0, time.UTC))
		if err == nil {
			t.Fatalf("expected evaluation error for %+v", s)
		}
		if !ok {
			t.Fatalf("expected fail-open for %+v", s)
		}
	}
}

func TestPacing(t *testing.T) {
	p := Delay(10)
	last := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

	if p.Allows(&last, last.Add(9*time.Second)) {
		t.Fatalf("expected attempt 9s later to be rejected")
	}
	if !p.Allows(&last, last.Add(10*time.Second)) {
		t.Fatalf("expected attempt 10s later to be accepted")
	}
	if !p.Allows(nil, last) {
		t.Fatalf("expected first attempt to be accepted")
	}
}

func TestSettingsValidate(t *testing.T) {
	bad := Settings{
		BusinessHours: BusinessHours{Enabled: true, Days: []int{7}, Start: "17:00", End: "09:00"},
		Timezone:      "Nowhere/Special",
		Pacing:        Delay(-1),
	}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

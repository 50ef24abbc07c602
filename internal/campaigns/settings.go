package campaigns

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

// Settings is the per-campaign dialing policy.
type Settings struct {
	BusinessHours BusinessHours `json:"business_hours" yaml:"business_hours"`
	Pacing        Pacing        `json:"pacing" yaml:"pacing"`
	Timezone      string        `json:"timezone" yaml:"timezone"`
}

// BusinessHours restricts dialing to a weekly window. Days use 0 = Monday.
type BusinessHours struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Days    []int  `json:"days" yaml:"days"`
	Start   string `json:"start" yaml:"start"`
	End     string `json:"end" yaml:"end"`
}

// Pacing spaces consecutive dials. A nil DelaySeconds is unset and takes the
// default; an explicit 0 disables pacing.
type Pacing struct {
	DelaySeconds *int `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
}

// Delay returns pacing with an explicit delay.
func Delay(seconds int) Pacing {
	return Pacing{DelaySeconds: &seconds}
}

// Seconds is the configured delay, 0 when unset.
func (p Pacing) Seconds() int {
	if p.DelaySeconds == nil {
		return 0
	}
	return *p.DelaySeconds
}

// DefaultSettings is used when neither the request nor the defaults file sets a value.
func DefaultSettings() Settings {
	return Settings{
		BusinessHours: BusinessHours{
			Enabled: false,
			Days:    []int{0, 1, 2, 3, 4},
			Start:   "09:00",
			End:     "17:00",
		},
		Pacing:   Delay(30),
		Timezone: "UTC",
	}
}

// WithDefaults fills unset fields from d.
func (s Settings) WithDefaults(d Settings) Settings {
	out := s
	if strings.TrimSpace(out.Timezone) == "" {
		out.Timezone = d.Timezone
	}
	if len(out.BusinessHours.Days) == 0 {
		out.BusinessHours.Days = append([]int(nil), d.BusinessHours.Days...)
	}
	if out.BusinessHours.Start == "" {
		out.BusinessHours.Start = d.BusinessHours.Start
	}
	if out.BusinessHours.End == "" {
		out.BusinessHours.End = d.BusinessHours.End
	}
	if out.Pacing.DelaySeconds == nil && d.Pacing.DelaySeconds != nil {
		out.Pacing = Delay(*d.Pacing.DelaySeconds)
	}
	return out
}

// Clone returns a deep copy so a campaign never shares slices with defaults.
func (s Settings) Clone() Settings {
	out := s
	out.BusinessHours.Days = append([]int(nil), s.BusinessHours.Days...)
	if s.Pacing.DelaySeconds != nil {
		out.Pacing = Delay(*s.Pacing.DelaySeconds)
	}
	return out
}

var ErrInvalidSettings = errors.New("campaigns: invalid settings")

func (s Settings) Validate() error {
	var errs []error
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", s.Timezone, err))
		}
	}
	if s.Pacing.Seconds() < 0 {
		errs = append(errs, errors.New("pacing.delay_seconds must be >= 0"))
	}
	if s.BusinessHours.Enabled {
		for _, d := range s.BusinessHours.Days {
			if d < 0 || d > 6 {
				errs = append(errs, fmt.Errorf("business_hours.days: %d out of range 0..6", d))
			}
		}
		start, err1 := parseClock(s.BusinessHours.Start)
		end, err2 := parseClock(s.BusinessHours.End)
		if err1 != nil {
			errs = append(errs, err1)
		}
		if err2 != nil {
			errs = append(errs, err2)
		}
		if err1 == nil && err2 == nil && end <= start {
			errs = append(errs, errors.New("business_hours.end must be after start"))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
}

// WithinBusinessHours reports whether now falls inside the allowed window in
// the campaign timezone. On any evaluation error it returns true together with
// the error, so a misconfigured campaign keeps dialing instead of stalling.
func (s Settings) WithinBusinessHours(now time.Time) (bool, error) {
	bh := s.BusinessHours
	if !bh.Enabled {
		return true, nil
	}

	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return true, fmt.Errorf("campaigns: load timezone %q: %w", tz, err)
	}
	start, err := parseClock(bh.Start)
	if err != nil {
		return true, err
	}
	end, err := parseClock(bh.End)
	if err != nil {
		return true, err
	}

	local := now.In(loc)
	if !containsDay(bh.Days, mondayIndex(local.Weekday())) {
		return false, nil
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= start && minute < end, nil
}

// Allows reports whether enough time passed since the last initiated call.
func (p Pacing) Allows(lastDialed *time.Time, now time.Time) bool {
	if lastDialed == nil || p.Seconds() <= 0 {
		return true
	}
	return now.Sub(*lastDialed) >= time.Duration(p.Seconds())*time.Second
}

// parseClock converts "HH:MM" into minutes after midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("campaigns: invalid clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func mondayIndex(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func containsDay(days []int, d int) bool {
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

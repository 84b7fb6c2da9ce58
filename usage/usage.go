// Package usage implements the quota arithmetic behind plan and trial
// limits: trial windows, monthly usage periods, and plan ceilings. All
// functions are pure; callers supply the current time.
package usage

import (
	"math"
	"time"
)

const (
	// TrialPeriodDays is the length of the free trial window
	TrialPeriodDays = 7

	// TrialMaxFiles is the file-count ceiling during the trial
	TrialMaxFiles = 10

	// TrialMaxFileSizeMB is the per-file size ceiling during the trial
	TrialMaxFileSizeMB = 25

	// TrialMaxDurationSeconds is the per-file duration ceiling during the trial
	TrialMaxDurationSeconds = 600
)

// Clock supplies the current time; injected for deterministic tests
type Clock func() time.Time

// Plan identifies a subscription tier
type Plan string

const (
	PlanTrial     Plan = "trial"
	PlanStarter   Plan = "starter"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
)

// Profile carries the account fields quota decisions depend on.
// A zero CreatedAt means the creation date is unknown.
type Profile struct {
	ID        string
	Plan      Plan
	CreatedAt time.Time
}

// AudioFile is the locally cached metadata of one stored recording.
// A zero DurationSeconds means the duration could not be determined.
type AudioFile struct {
	ID              string
	DurationSeconds float64
	Size            int64
	CreatedAt       time.Time
}

// Period is the window over which audio durations are summed
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period, boundaries included
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// PlanLimits returns the transcription ceiling in seconds per month for
// each plan. The top plan is unbounded.
func PlanLimits() map[Plan]float64 {
	return map[Plan]float64{
		PlanTrial:     3600,
		PlanStarter:   5 * 3600,
		PlanPro:       20 * 3600,
		PlanUnlimited: math.Inf(1),
	}
}

// IsTrialActive reports whether the trial window is still open. An unknown
// creation date fails closed: no active trial.
func IsTrialActive(createdAt, now time.Time) bool {
	if createdAt.IsZero() {
		return false
	}
	return now.Sub(createdAt) < TrialPeriodDays*24*time.Hour
}

// TrialDaysRemaining returns whole days left in the trial, floored at zero
func TrialDaysRemaining(createdAt, now time.Time) int {
	if createdAt.IsZero() {
		return 0
	}

	remaining := TrialPeriodDays*24*time.Hour - now.Sub(createdAt)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

// CurrentPeriod returns the usage accounting window for a profile. Trial
// accounts use a rolling window since account creation; paid plans use the
// current calendar month.
func CurrentPeriod(p Profile, now time.Time) Period {
	if p.Plan == PlanTrial && !p.CreatedAt.IsZero() {
		return Period{Start: p.CreatedAt, End: now}
	}

	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return Period{Start: start, End: end}
}

// MonthlyUsage sums the durations of files created inside the period.
// Files with an unknown duration contribute zero.
func MonthlyUsage(files []AudioFile, period Period) float64 {
	var total float64
	for _, f := range files {
		if f.DurationSeconds <= 0 {
			continue
		}
		if period.Contains(f.CreatedAt) {
			total += f.DurationSeconds
		}
	}
	return total
}

package usage

import "math"

// Status is the read-only projection of a profile's quota standing that
// gates whether new processing may start. It is recomputed from scratch on
// every refresh and never mutated.
type Status struct {
	Plan           Plan
	TrialActive    bool
	TrialExpired   bool
	TrialDaysLeft  int
	FileCount      int
	UsageSeconds   float64
	UsagePercent   float64
	CeilingSeconds float64

	// CanUsePremium reports access to premium/team features
	CanUsePremium bool

	// IsFeatureLocked is the single gate consulted before starting a new
	// processing stage
	IsFeatureLocked bool
}

// ComputeStatus combines profile plan data with cached audio metadata into
// a gating decision. fileCount is the total number of stored recordings for
// the owner; files is the cached recording list used for usage accounting.
func ComputeStatus(p Profile, files []AudioFile, fileCount int, now Clock) Status {
	nowT := now()
	period := CurrentPeriod(p, nowT)
	used := MonthlyUsage(files, period)

	ceiling, ok := PlanLimits()[p.Plan]
	if !ok {
		ceiling = PlanLimits()[PlanTrial]
	}

	trialActive := p.Plan == PlanTrial && IsTrialActive(p.CreatedAt, nowT)
	// An unknown creation date means no trial clock at all, not an
	// expired one; the paid-plan path governs instead.
	trialExpired := p.Plan == PlanTrial && !p.CreatedAt.IsZero() && !trialActive

	usageAtLimit := used >= ceiling
	filesAtLimit := p.Plan == PlanTrial && fileCount >= TrialMaxFiles

	percent := 0.0
	if !math.IsInf(ceiling, 1) && ceiling > 0 {
		percent = used / ceiling * 100
		if percent > 100 {
			percent = 100
		}
	}

	return Status{
		Plan:            p.Plan,
		TrialActive:     trialActive,
		TrialExpired:    trialExpired,
		TrialDaysLeft:   TrialDaysRemaining(p.CreatedAt, nowT),
		FileCount:       fileCount,
		UsageSeconds:    used,
		UsagePercent:    percent,
		CeilingSeconds:  ceiling,
		CanUsePremium:   p.Plan == PlanPro || p.Plan == PlanUnlimited,
		IsFeatureLocked: trialExpired || usageAtLimit || filesAtLimit,
	}
}

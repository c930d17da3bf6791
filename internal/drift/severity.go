package drift

// Thresholds tune severity classification.
type Thresholds struct {
	// UnlistedHigh is the unlisted count at which severity becomes high.
	UnlistedHigh int

	// UnexpectedHigh is the structural change count at which severity becomes
	// high, or critical when already high.
	UnexpectedHigh int
}

// DefaultThresholds returns the standard thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{UnlistedHigh: 3, UnexpectedHigh: 5}
}

// Classify derives severity from change counts alone.
//
// Any critical change is critical. Otherwise unlisted changes at the threshold
// are high, and structural changes at their threshold raise to high or, on top
// of high, to critical. Any remaining drift is medium.
func Classify(c Changes, t Thresholds) Severity {
	if t.UnlistedHigh <= 0 || t.UnexpectedHigh <= 0 {
		t = DefaultThresholds()
	}

	if len(c.Critical) >= 1 {
		return SeverityCritical
	}

	sev := SeverityLow
	if len(c.Unlisted) >= t.UnlistedHigh {
		sev = SeverityHigh
	}
	if len(c.Unexpected) >= t.UnexpectedHigh {
		if sev == SeverityHigh {
			sev = SeverityCritical
		} else {
			sev = SeverityHigh
		}
	}
	if sev == SeverityLow && !c.Empty() {
		sev = SeverityMedium
	}
	return sev
}

// Recommendation returns the remediation advice for a severity.
func Recommendation(s Severity) string {
	switch s {
	case SeverityCritical:
		return "Halt the story: critical files changed outside the patch plan. Review the changes and run 'storygate rollback execute' for the story unless they are intended, then declare them in the patch plan."
	case SeverityHigh:
		return "Review unlisted and structural changes before continuing; declare intended files in the patch plan or roll the story back."
	case SeverityMedium:
		return "Declare the extra files in the patch plan or revert them; check that missing files were intentionally skipped."
	}
	return "No action required."
}

// buildAlarms derives one alarm per non-empty change bucket.
func buildAlarms(c Changes, sev Severity) []Alarm {
	alarms := []Alarm{}
	if len(c.Critical) > 0 {
		alarms = append(alarms, Alarm{
			Type:     AlarmCritical,
			Severity: SeverityCritical,
			Message:  "critical files changed without being declared",
			Impact:   "dependency, build or CI configuration may differ from what was reviewed",
			Paths:    c.Critical,
		})
	}
	if len(c.Unlisted) > 0 {
		alarms = append(alarms, Alarm{
			Type:     AlarmUnlisted,
			Severity: sev,
			Message:  "files changed that the patch plan does not declare",
			Impact:   "the story touched code outside its reviewed scope",
			Paths:    c.Unlisted,
		})
	}
	if len(c.Unexpected) > 0 {
		alarms = append(alarms, Alarm{
			Type:     AlarmStructural,
			Severity: sev,
			Message:  "top-level directories were added or removed",
			Impact:   "repository layout changed and other stories may break",
			Paths:    c.Unexpected,
		})
	}
	if len(c.Missing) > 0 {
		alarms = append(alarms, Alarm{
			Type:     AlarmMissing,
			Severity: SeverityMedium,
			Message:  "declared files are absent",
			Impact:   "the story may be incomplete",
			Paths:    c.Missing,
		})
	}
	return alarms
}

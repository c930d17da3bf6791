package drift

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func paths(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("f%d.js", i)
	}
	return out
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name    string
		changes Changes
		want    Severity
	}{
		{"nothing", Changes{}, SeverityLow},
		{"one unlisted", Changes{Unlisted: paths(1)}, SeverityMedium},
		{"missing only", Changes{Missing: paths(1)}, SeverityMedium},
		{"few unexpected", Changes{Unexpected: paths(4)}, SeverityMedium},
		{"unlisted threshold", Changes{Unlisted: paths(3)}, SeverityHigh},
		{"unexpected threshold", Changes{Unexpected: paths(5)}, SeverityHigh},
		{"unexpected escalates high", Changes{Unlisted: paths(3), Unexpected: paths(5)}, SeverityCritical},
		{"critical", Changes{Critical: paths(1)}, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.changes, th))
		})
	}
}

func TestClassify_CriticalAlwaysWins(t *testing.T) {
	th := DefaultThresholds()
	for unlisted := 0; unlisted < 6; unlisted++ {
		for missing := 0; missing < 3; missing++ {
			for unexpected := 0; unexpected < 7; unexpected++ {
				c := Changes{
					Unlisted:   paths(unlisted),
					Missing:    paths(missing),
					Unexpected: paths(unexpected),
					Critical:   []string{"go.mod"},
				}
				assert.Equal(t, SeverityCritical, Classify(c, th))
			}
		}
	}
}

func TestClassify_CustomThresholds(t *testing.T) {
	th := Thresholds{UnlistedHigh: 10, UnexpectedHigh: 2}
	assert.Equal(t, SeverityMedium, Classify(Changes{Unlisted: paths(5)}, th))
	assert.Equal(t, SeverityHigh, Classify(Changes{Unexpected: paths(2)}, th))

	// Unset thresholds fall back to defaults.
	assert.Equal(t, SeverityHigh, Classify(Changes{Unlisted: paths(3)}, Thresholds{}))
}

func TestSeverity_AtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
}

func TestBuildAlarms(t *testing.T) {
	alarms := buildAlarms(Changes{Critical: []string{"go.mod"}, Unlisted: []string{"go.mod"}, Missing: []string{"a.js"}}, SeverityCritical)
	types := make([]AlarmType, 0, len(alarms))
	for _, a := range alarms {
		types = append(types, a.Type)
		assert.NotEmpty(t, a.Impact)
	}
	assert.Equal(t, []AlarmType{AlarmCritical, AlarmUnlisted, AlarmMissing}, types)
	assert.NotEqual(t, Recommendation(SeverityCritical), Recommendation(SeverityLow))
}

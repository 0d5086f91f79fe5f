package deadline

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestClassify(t *testing.T) {
	now := at("2026-10-14T12:00:00Z")
	ptr := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}

	tests := []struct {
		name     string
		deadline *time.Time
		want     Urgency
	}{
		{"no deadline", nil, UrgencyNormal},
		{"past", ptr(-time.Minute), UrgencyOverdue},
		{"exactly now", ptr(0), UrgencyHigh},
		{"within a day", ptr(23 * time.Hour), UrgencyHigh},
		{"24h boundary", ptr(24 * time.Hour), UrgencyHigh},
		{"just over a day", ptr(24*time.Hour + time.Second), UrgencyMedium},
		{"72h boundary", ptr(72 * time.Hour), UrgencyMedium},
		{"far away", ptr(100 * time.Hour), UrgencyNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.deadline, now))
		})
	}
}

func TestIsExpired(t *testing.T) {
	now := at("2026-10-14T12:00:00Z")
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.True(t, IsExpired(&past, now))
	assert.False(t, IsExpired(&future, now))
	assert.False(t, IsExpired(&now, now))
	assert.False(t, IsExpired(nil, now))
}

func TestCalculatorComputeWithoutBusinessHours(t *testing.T) {
	calc := NewCalculator(DefaultBusinessHours())
	assigned := at("2026-10-16T17:00:00Z") // Friday

	got := calc.Compute(assigned, 24, false)
	require.NotNil(t, got)
	assert.Equal(t, at("2026-10-17T17:00:00Z"), *got)

	assert.Nil(t, calc.Compute(assigned, 0, true), "zero hours means no deadline")
}

func TestCalculatorComputePushesIntoBusinessWindow(t *testing.T) {
	calc := NewCalculator(DefaultBusinessHours())

	tests := []struct {
		name     string
		assigned string
		hours    int
		want     string
	}{
		{"inside window stays", "2026-10-14T09:00:00Z", 4, "2026-10-14T13:00:00Z"},
		{"window end is inclusive", "2026-10-14T10:00:00Z", 8, "2026-10-14T18:00:00Z"},
		{"after close moves to next morning", "2026-10-14T17:00:00Z", 2, "2026-10-15T09:00:00Z"},
		{"before open moves to open", "2026-10-14T01:00:00Z", 2, "2026-10-14T09:00:00Z"},
		{"friday evening lands monday", "2026-10-16T17:00:00Z", 4, "2026-10-19T09:00:00Z"},
		{"saturday lands monday", "2026-10-16T12:00:00Z", 24, "2026-10-19T09:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Compute(at(tt.assigned), tt.hours, true)
			require.NotNil(t, got)
			assert.Equal(t, at(tt.want), *got)
		})
	}
}

func TestBusinessHoursHolidaysAndZone(t *testing.T) {
	bh, err := NewBusinessHours("08:30", "17:00", "Asia/Manila", []string{"2026-12-25", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-12-25"}, bh.HolidayList())

	// Thursday 18:00 Manila (10:00Z) is after close; Friday is a holiday, so
	// the next window opens Monday 08:30 Manila.
	got := bh.Adjust(at("2026-12-24T10:00:00Z"))
	assert.Equal(t, at("2026-12-28T00:30:00Z"), got.UTC())

	assert.False(t, bh.IsBusinessDay(at("2026-12-25T03:00:00Z")))
	assert.True(t, bh.IsBusinessDay(at("2026-12-24T03:00:00Z")))
}

func TestNewBusinessHoursValidation(t *testing.T) {
	_, err := NewBusinessHours("18:00", "09:00", "", nil)
	assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))

	_, err = NewBusinessHours("9am", "18:00", "", nil)
	assert.Error(t, err)

	_, err = NewBusinessHours("09:00", "18:00", "Mars/Olympus", nil)
	assert.Error(t, err)

	_, err = NewBusinessHours("09:00", "18:00", "", []string{"25/12/2026"})
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("08:45")
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour+45*time.Minute, d)

	_, err = ParseClock("25:00")
	assert.Error(t, err)
}

func TestPolicyCheck(t *testing.T) {
	now := at("2026-10-14T12:00:00Z")
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	late, err := PolicyAdvisory.Check(&past, now)
	assert.True(t, late)
	assert.NoError(t, err)

	late, err = PolicyBlock.Check(&past, now)
	assert.True(t, late)
	assert.Equal(t, errors.ErrCodeDeadlinePassed, errors.CodeOf(err))

	late, err = PolicyBlock.Check(&future, now)
	assert.False(t, late)
	assert.NoError(t, err)

	late, err = PolicyBlock.Check(nil, now)
	assert.False(t, late)
	assert.NoError(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAdvisory, p)

	p, err = ParsePolicy("BLOCK")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)

	_, err = ParsePolicy("strict")
	assert.Error(t, err)
}

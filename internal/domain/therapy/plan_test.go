package therapy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(plan []StageTemplate) []string {
	out := make([]string, len(plan))
	for i, s := range plan {
		out[i] = s.Name
	}
	return out
}

func TestGeneratePlan_Short(t *testing.T) {
	plan := GeneratePlan("Virechana Protocol", 7)
	require.Len(t, plan, 7)
	assert.Equal(t, []string{
		"Snehana (Oleation)", "Snehana (Oleation)",
		"Abhyanga & Swedana", "Abhyanga & Swedana",
		"Virechana Protocol Therapy", "Virechana Protocol Therapy",
		"Paschatkarma (Diet & Recovery)",
	}, names(plan))

	phases := []string{
		PhasePurvakarma, PhasePurvakarma, PhasePurvakarma, PhasePurvakarma,
		PhasePradhanakarma, PhasePradhanakarma, PhasePaschatkarma,
	}
	for i, s := range plan {
		assert.Equal(t, i+1, s.DayOffset)
		assert.Equal(t, phases[i], s.Phase, "stage %d", i+1)
	}
}

func TestGeneratePlan_Long(t *testing.T) {
	plan := GeneratePlan("Basti", 14)
	require.Len(t, plan, 14)

	counts := map[string]int{}
	for i, s := range plan {
		assert.Equal(t, i+1, s.DayOffset)
		counts[s.Name]++
	}
	assert.Equal(t, 5, counts["Snehana (Oleation)"])
	assert.Equal(t, 4, counts["Abhyanga & Swedana"])
	assert.Equal(t, 3, counts["Basti Therapy"])
	assert.Equal(t, 2, counts["Paschatkarma (Diet & Recovery)"])

	assert.Equal(t, PhasePurvakarma, plan[8].Phase)
	assert.Equal(t, PhasePradhanakarma, plan[9].Phase)
	assert.Equal(t, PhasePradhanakarma, plan[11].Phase)
	assert.Equal(t, PhasePaschatkarma, plan[12].Phase)
}

func TestGeneratePlan_AnyOtherLengthIsShort(t *testing.T) {
	for _, days := range []int{0, -14, 1, 10, 13, 15, 28} {
		assert.Len(t, GeneratePlan("Nasya", days), 7, "totalDays=%d", days)
	}
}

func TestGeneratePlan_DefaultName(t *testing.T) {
	for _, name := range []string{"", "   "} {
		plan := GeneratePlan(name, 7)
		assert.Equal(t, "General Detox Therapy", plan[4].Name)
	}
}

func TestSchedulePlan(t *testing.T) {
	start := time.Date(2024, 1, 1, 17, 45, 0, 0, time.FixedZone("IST", 5*3600+1800))
	stages := SchedulePlan(GeneratePlan("Virechana Protocol", 7), start)
	require.Len(t, stages, 7)

	for i, s := range stages {
		want := time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC)
		assert.True(t, want.Equal(s.Date), "stage %d dated %s, want %s", i+1, s.Date, want)
		assert.Equal(t, StageStatusPending, s.Status)
		assert.Nil(t, s.CompletedAt)
	}
}

func TestSchedulePlan_CrossesMonthAndLeapDay(t *testing.T) {
	stages := SchedulePlan(GeneratePlan("Basti", 14), time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), stages[9].Date)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), stages[13].Date)
}

func TestParseTotalDays(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"14", 14},
		{" 14 ", 14},
		{"14days", 14},
		{"14.9", 14},
		{"+7", 7},
		{"-3", -3},
		{"007", 7},
		{"", 0},
		{"abc", 0},
		{"days14", 0},
		{"-", 0},
		{"99999999999999999999", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTotalDays(tt.raw), "ParseTotalDays(%q)", tt.raw)
	}
}

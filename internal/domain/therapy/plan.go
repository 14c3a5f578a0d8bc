package therapy

import (
	"strings"
	"time"
)

const (
	DefaultTherapyName = "General Detox"

	// LongPlanDays is the only duration that selects the 14-day plan.
	LongPlanDays = 14

	stageSnehana      = "Snehana (Oleation)"
	stageAbhyanga     = "Abhyanga & Swedana"
	stagePaschatkarma = "Paschatkarma (Diet & Recovery)"
)

// StageTemplate is an undated stage of a plan. DayOffset starts at 1.
type StageTemplate struct {
	Name      string `json:"name"`
	Phase     string `json:"phase"`
	DayOffset int    `json:"day_offset"`
}

type planBlock struct {
	name  string
	phase string
	days  int
}

// GeneratePlan expands a therapy into its day-by-day stages. A total of 14
// days yields the long plan; any other value yields the 7-day plan.
func GeneratePlan(therapyName string, totalDays int) []StageTemplate {
	name := strings.TrimSpace(therapyName)
	if name == "" {
		name = DefaultTherapyName
	}
	core := name + " Therapy"

	blocks := []planBlock{
		{stageSnehana, PhasePurvakarma, 2},
		{stageAbhyanga, PhasePurvakarma, 2},
		{core, PhasePradhanakarma, 2},
		{stagePaschatkarma, PhasePaschatkarma, 1},
	}
	if totalDays == LongPlanDays {
		blocks = []planBlock{
			{stageSnehana, PhasePurvakarma, 5},
			{stageAbhyanga, PhasePurvakarma, 4},
			{core, PhasePradhanakarma, 3},
			{stagePaschatkarma, PhasePaschatkarma, 2},
		}
	}

	var plan []StageTemplate
	day := 1
	for _, b := range blocks {
		for i := 0; i < b.days; i++ {
			plan = append(plan, StageTemplate{Name: b.name, Phase: b.phase, DayOffset: day})
			day++
		}
	}
	return plan
}

// SchedulePlan dates each template relative to start. Day 1 falls on start.
func SchedulePlan(plan []StageTemplate, start time.Time) []*Stage {
	first := DateOf(start)
	stages := make([]*Stage, 0, len(plan))
	for _, t := range plan {
		stages = append(stages, &Stage{
			Name:   t.Name,
			Phase:  t.Phase,
			Date:   first.AddDate(0, 0, t.DayOffset-1),
			Status: StageStatusPending,
		})
	}
	return stages
}

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseTotalDays reads a day count leniently: surrounding whitespace and a
// sign are allowed, then the leading run of digits is used. Input with no
// leading digits yields 0.
func ParseTotalDays(raw string) int {
	s := strings.TrimSpace(raw)
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}

	n := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		if n > (1<<31)/10 {
			return 0
		}
		n = n*10 + int(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}

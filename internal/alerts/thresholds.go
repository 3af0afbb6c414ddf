package alerts

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/onsite-teams/salesintel/internal/config"
)

// Thresholds holds the trigger levels of the smart alert rules.
type Thresholds struct {
	Stale30Critical     int      `yaml:"stale_30_critical"`
	Stale14High         int      `yaml:"stale_14_high"`
	DemoBookedMin       int      `yaml:"demo_booked_min"`
	DemoDoneRatePct     float64  `yaml:"demo_done_rate_pct"`
	ConversionLeadsMin  int      `yaml:"conversion_leads_min"`
	ConversionAvgFactor float64  `yaml:"conversion_avg_factor"`
	HotProspectsMin     int      `yaml:"hot_prospects_min"`
	PriorityOverload    int      `yaml:"priority_overload"`
	InactiveLeadsMin    int      `yaml:"inactive_leads_min"`
	TopPerformerSales   int      `yaml:"top_performer_sales"`
	RevenueMilestone    float64  `yaml:"revenue_milestone"`
	PipelineRiskShare   float64  `yaml:"pipeline_risk_share"`
	TeamStale30         int      `yaml:"team_stale_30"`
	FollowupOverdueMin  int      `yaml:"followup_overdue_min"`
	FollowupTomorrowMin int      `yaml:"followup_tomorrow_min"`
	NotesLeadsMin       int      `yaml:"notes_leads_min"`
	StaleDays           int      `yaml:"stale_days"`
	ColdDays            int      `yaml:"cold_days"`
	RecentDays          int      `yaml:"recent_days"`
	ExcludedOwners      []string `yaml:"excluded_owners"`
}

// DefaultThresholds returns the built-in rule levels.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Stale30Critical:     10,
		Stale14High:         15,
		DemoBookedMin:       20,
		DemoDoneRatePct:     50,
		ConversionLeadsMin:  100,
		ConversionAvgFactor: 0.5,
		HotProspectsMin:     3,
		PriorityOverload:    25,
		InactiveLeadsMin:    20,
		TopPerformerSales:   10,
		RevenueMilestone:    10_000_000,
		PipelineRiskShare:   0.15,
		TeamStale30:         100,
		FollowupOverdueMin:  3,
		FollowupTomorrowMin: 5,
		NotesLeadsMin:       5,
		StaleDays:           30,
		ColdDays:            14,
		RecentDays:          7,
		ExcludedOwners:      []string{"Onsite", "Offline Campaign"},
	}
}

// LoadThresholds reads a YAML rules file over the defaults. Keys missing
// from the file keep their default values.
func LoadThresholds(path string) (Thresholds, error) {
	th := DefaultThresholds()
	if path == "" {
		return th, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return th, eris.Wrapf(err, "alerts: read rules %s", path)
	}

	// The file has a top-level "alerts" key.
	wrapper := struct {
		Alerts *Thresholds `yaml:"alerts"`
	}{Alerts: &th}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return DefaultThresholds(), eris.Wrap(err, "alerts: parse rules")
	}
	return th, nil
}

// Override returns t with every non-zero level of o applied.
func (t Thresholds) Override(o config.AlertThresholds) Thresholds {
	set(&t.Stale30Critical, o.Stale30Critical)
	set(&t.Stale14High, o.Stale14High)
	set(&t.DemoBookedMin, o.DemoBookedMin)
	set(&t.DemoDoneRatePct, o.DemoDoneRatePct)
	set(&t.ConversionLeadsMin, o.ConversionLeadsMin)
	set(&t.ConversionAvgFactor, o.ConversionAvgFactor)
	set(&t.HotProspectsMin, o.HotProspectsMin)
	set(&t.PriorityOverload, o.PriorityOverload)
	set(&t.InactiveLeadsMin, o.InactiveLeadsMin)
	set(&t.TopPerformerSales, o.TopPerformerSales)
	set(&t.RevenueMilestone, o.RevenueMilestone)
	set(&t.PipelineRiskShare, o.PipelineRiskShare)
	set(&t.TeamStale30, o.TeamStale30)
	set(&t.FollowupOverdueMin, o.FollowupOverdueMin)
	set(&t.FollowupTomorrowMin, o.FollowupTomorrowMin)
	set(&t.NotesLeadsMin, o.NotesLeadsMin)
	set(&t.StaleDays, o.StaleDays)
	set(&t.ColdDays, o.ColdDays)
	set(&t.RecentDays, o.RecentDays)
	return t
}

func set[T int | float64](dst *T, v T) {
	if v != 0 {
		*dst = v
	}
}

package monitoring

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRules are the built-in alert rules; a YAML file at
// ALERT_RULES_PATH replaces them wholesale.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:      "queue-depth-high",
			Metric:    SeriesQueueDepth,
			Aggregate: AggLast,
			Window:    5 * time.Minute,
			Op:        OpGreater,
			Threshold: 1000,
			Severity:  SeverityWarning,
		},
		{
			Name:                "health-score-low",
			Metric:              SeriesHealthScore,
			Aggregate:           AggLast,
			Window:              5 * time.Minute,
			Op:                  OpLess,
			Threshold:           50,
			ConsecutiveBreaches: 2,
			Severity:            SeverityWarning,
		},
		{
			Name:                "health-score-critical",
			Metric:              SeriesHealthScore,
			Aggregate:           AggLast,
			Window:              5 * time.Minute,
			Op:                  OpLess,
			Threshold:           25,
			ConsecutiveBreaches: 2,
			Severity:            SeverityCritical,
		},
		{
			Name:      "dead-letter-rate",
			Metric:    SeriesJobsDeadLettered,
			Aggregate: AggRate,
			Window:    10 * time.Minute,
			Op:        OpGreater,
			Threshold: 10,
			Severity:  SeverityCritical,
		},
		{
			Name:      "job-duration-high",
			Metric:    SeriesJobDurationMs,
			Aggregate: AggAvg,
			Window:    15 * time.Minute,
			Op:        OpGreater,
			Threshold: float64((10 * time.Minute).Milliseconds()),
			Severity:  SeverityWarning,
		},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads rules from the YAML file at path; an empty path returns
// the defaults.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=monitoring.LoadRules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=monitoring.LoadRules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("op=monitoring.LoadRules: %s defines no rules", path)
	}
	return f.Rules, nil
}

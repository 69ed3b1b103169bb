package anomaly

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cuemby/ledgerwatch/pkg/types"
	"gopkg.in/yaml.v3"
)

// Pattern is the shape a pattern rule looks for
type Pattern string

const (
	PatternIncreasing Pattern = "increasing"
	PatternDecreasing Pattern = "decreasing"
	PatternSpike      Pattern = "spike"
)

// Rule declares how one metric is judged. Only the fields of its Type apply.
type Rule struct {
	Name       string         `yaml:"name"`
	MetricName string         `yaml:"metricName"`
	Type       types.RuleType `yaml:"type"`
	Severity   types.Severity `yaml:"severity"`

	// threshold
	MaxValue *float64 `yaml:"maxValue,omitempty"`
	MinValue *float64 `yaml:"minValue,omitempty"`

	// deviation
	DeviationMultiplier float64 `yaml:"deviationMultiplier,omitempty"`
	LookbackMinutes     int     `yaml:"lookbackMinutes,omitempty"`

	// pattern
	Pattern         Pattern `yaml:"pattern,omitempty"`
	WindowMinutes   int     `yaml:"windowMinutes,omitempty"`
	MinChangeRate   float64 `yaml:"minChangeRate,omitempty"`
	SpikeMultiplier float64 `yaml:"spikeMultiplier,omitempty"`

	// volume
	ExpectedVolume float64 `yaml:"expectedVolume,omitempty"`
	Tolerance      float64 `yaml:"tolerance,omitempty"`
}

// Validate reports the first problem with the rule
func (r Rule) Validate() error {
	if r.Name == "" || r.MetricName == "" {
		return fmt.Errorf("rule name and metricName are required")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.Name, r.Severity)
	}

	switch r.Type {
	case types.RuleThreshold:
		if r.MaxValue == nil && r.MinValue == nil {
			return fmt.Errorf("rule %s: threshold needs maxValue or minValue", r.Name)
		}
	case types.RuleDeviation:
		if r.DeviationMultiplier <= 0 || r.LookbackMinutes <= 0 {
			return fmt.Errorf("rule %s: deviation needs positive deviationMultiplier and lookbackMinutes", r.Name)
		}
	case types.RulePattern:
		if r.WindowMinutes <= 0 {
			return fmt.Errorf("rule %s: pattern needs positive windowMinutes", r.Name)
		}
		switch r.Pattern {
		case PatternIncreasing, PatternDecreasing:
			if r.MinChangeRate < 0 {
				return fmt.Errorf("rule %s: minChangeRate cannot be negative", r.Name)
			}
		case PatternSpike:
			if r.SpikeMultiplier <= 0 {
				return fmt.Errorf("rule %s: spike needs positive spikeMultiplier", r.Name)
			}
		default:
			return fmt.Errorf("rule %s: invalid pattern %q", r.Name, r.Pattern)
		}
	case types.RuleVolume:
		if r.ExpectedVolume <= 0 || r.Tolerance < 0 {
			return fmt.Errorf("rule %s: volume needs positive expectedVolume and non-negative tolerance", r.Name)
		}
	default:
		return fmt.Errorf("rule %s: invalid type %q", r.Name, r.Type)
	}
	return nil
}

// RuleFile is the YAML root of a rule pack
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads and validates a rule pack
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("rule file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := ValidateRules(file.Rules); err != nil {
		return nil, err
	}
	return file.Rules, nil
}

// ValidateRules validates every rule and rejects duplicate names
func ValidateRules(rules []Rule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

func ptr(v float64) *float64 { return &v }

// DefaultRules returns the built-in rule set
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "high_failure_rate",
			MetricName: "failure_rate",
			Type:       types.RuleThreshold,
			Severity:   types.SeverityHigh,
			MaxValue:   ptr(10),
		},
		{
			Name:       "high_discrepancy_rate",
			MetricName: "discrepancy_rate",
			Type:       types.RuleThreshold,
			Severity:   types.SeverityCritical,
			MaxValue:   ptr(5),
		},
		{
			Name:                "event_count_deviation",
			MetricName:          "event_count",
			Type:                types.RuleDeviation,
			Severity:            types.SeverityMedium,
			DeviationMultiplier: 3,
			LookbackMinutes:     60,
		},
		{
			Name:          "processing_latency_increase",
			MetricName:    "processing_latency_ms",
			Type:          types.RulePattern,
			Severity:      types.SeverityMedium,
			Pattern:       PatternIncreasing,
			WindowMinutes: 30,
			MinChangeRate: 0.5,
		},
		{
			Name:            "failure_count_spike",
			MetricName:      "failure_count",
			Type:            types.RulePattern,
			Severity:        types.SeverityHigh,
			Pattern:         PatternSpike,
			WindowMinutes:   15,
			SpikeMultiplier: 3,
		},
		{
			Name:           "webhook_volume",
			MetricName:     "webhook_volume",
			Type:           types.RuleVolume,
			Severity:       types.SeverityLow,
			ExpectedVolume: 1000,
			Tolerance:      0.5,
		},
	}
}

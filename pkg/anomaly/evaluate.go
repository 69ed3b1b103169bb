package anomaly

import (
	"fmt"
	"math"

	"github.com/cuemby/ledgerwatch/pkg/types"
)

const (
	// minDeviationPoints is the history a deviation rule needs
	minDeviationPoints = 10
	// minPatternPoints is the window size a pattern rule needs
	minPatternPoints = 3
	// trendRatio is the share of steps that must move in the trend direction
	trendRatio = 0.7
)

// verdict is a positive rule evaluation
type verdict struct {
	description string
	min, max    *float64
	metadata    map[string]any
}

func evaluateThreshold(r Rule, name string, value float64) *verdict {
	if r.MaxValue != nil && value > *r.MaxValue {
		return &verdict{
			description: fmt.Sprintf("%s value %.2f exceeded threshold %.2f", name, value, *r.MaxValue),
			min:         r.MinValue,
			max:         r.MaxValue,
		}
	}
	if r.MinValue != nil && value < *r.MinValue {
		return &verdict{
			description: fmt.Sprintf("%s value %.2f fell below threshold %.2f", name, value, *r.MinValue),
			min:         r.MinValue,
			max:         r.MaxValue,
		}
	}
	return nil
}

// meanStdDev returns the population mean and standard deviation
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func evaluateDeviation(r Rule, name string, value float64, history []float64) (*verdict, error) {
	if len(history) < minDeviationPoints {
		return nil, types.ErrInsufficientData
	}

	mean, std := meanStdDev(history)
	lo := mean - r.DeviationMultiplier*std
	hi := mean + r.DeviationMultiplier*std
	if value >= lo && value <= hi {
		return nil, nil
	}
	return &verdict{
		description: fmt.Sprintf("%s value %.2f deviates more than %.1f standard deviations from mean %.2f (stddev %.2f)",
			name, value, r.DeviationMultiplier, mean, std),
		min: &lo,
		max: &hi,
		metadata: map[string]any{
			"mean":    mean,
			"std_dev": std,
			"points":  len(history),
		},
	}, nil
}

// evaluatePattern judges points ordered oldest first; the last point is the
// observation being evaluated.
func evaluatePattern(r Rule, name string, points []float64) (*verdict, error) {
	if len(points) < minPatternPoints {
		return nil, types.ErrInsufficientData
	}
	first, last := points[0], points[len(points)-1]

	switch r.Pattern {
	case PatternSpike:
		prev := points[:len(points)-1]
		avg, _ := meanStdDev(prev)
		limit := avg * r.SpikeMultiplier
		if last <= limit {
			return nil, nil
		}
		return &verdict{
			description: fmt.Sprintf("%s spiked to %.2f, more than %.1fx the recent average %.2f", name, last, r.SpikeMultiplier, avg),
			max:         &limit,
			metadata:    map[string]any{"average": avg, "points": len(points)},
		}, nil

	case PatternIncreasing, PatternDecreasing:
		if first == 0 {
			return nil, nil
		}
		up, down := 0, 0
		for i := 1; i < len(points); i++ {
			switch {
			case points[i] > points[i-1]:
				up++
			case points[i] < points[i-1]:
				down++
			}
		}
		steps := float64(len(points) - 1)
		change := (last - first) / math.Abs(first)

		moving, direction := up, "increasing"
		if r.Pattern == PatternDecreasing {
			moving, direction = down, "decreasing"
			change = -change
		}
		if float64(moving)/steps < trendRatio || change < r.MinChangeRate {
			return nil, nil
		}
		return &verdict{
			description: fmt.Sprintf("%s is %s: %.0f%% change over %d points (%.2f to %.2f)",
				name, direction, change*100, len(points), first, last),
			metadata: map[string]any{
				"change_rate": change,
				"points":      len(points),
				"direction":   direction,
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown pattern %q", r.Pattern)
}

func evaluateVolume(r Rule, name string, value float64) *verdict {
	lo := r.ExpectedVolume * (1 - r.Tolerance)
	hi := r.ExpectedVolume * (1 + r.Tolerance)
	if value >= lo && value <= hi {
		return nil
	}
	return &verdict{
		description: fmt.Sprintf("%s volume %.2f outside expected range %.2f to %.2f", name, value, lo, hi),
		min:         &lo,
		max:         &hi,
		metadata:    map[string]any{"expected_volume": r.ExpectedVolume},
	}
}

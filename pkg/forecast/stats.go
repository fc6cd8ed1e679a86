package forecast

import "math"

// mean computes the arithmetic average of values
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	sumSq := 0.0
	for _, v := range values {
		diff := v - m
		sumSq += diff * diff
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// linearRegression performs simple least-squares regression of y against x.
// Returns slope, intercept, and R² (coefficient of determination).
func linearRegression(x, y []float64) (slope, intercept, r2 float64) {
	n := float64(len(x))
	if n == 0 {
		return 0, 0, 0
	}

	meanX := mean(x)
	meanY := mean(y)

	numerator := 0.0
	denominator := 0.0
	for i := 0; i < len(x); i++ {
		numerator += (x[i] - meanX) * (y[i] - meanY)
		denominator += (x[i] - meanX) * (x[i] - meanX)
	}
	if denominator == 0 {
		return 0, meanY, 0
	}

	slope = numerator / denominator
	intercept = meanY - slope*meanX

	ssTotal := 0.0
	ssRes := 0.0
	for i := 0; i < len(x); i++ {
		predicted := slope*x[i] + intercept
		ssRes += (y[i] - predicted) * (y[i] - predicted)
		ssTotal += (y[i] - meanY) * (y[i] - meanY)
	}
	if ssTotal == 0 {
		r2 = 0
	} else {
		r2 = 1.0 - (ssRes / ssTotal)
	}
	if r2 < 0 {
		r2 = 0
	} else if r2 > 1 {
		r2 = 1
	}

	return slope, intercept, r2
}

// meanAbsoluteError computes MAE between actuals and predictions
func meanAbsoluteError(actual, predicted []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	sum := 0.0
	for i := range actual {
		sum += math.Abs(actual[i] - predicted[i])
	}
	return sum / float64(len(actual))
}

// meanAbsolutePercentageError computes MAPE as a fraction (0.1 == 10%).
// Near-zero actuals are floored to avoid division blowups.
func meanAbsolutePercentageError(actual, predicted []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	sum := 0.0
	for i := range actual {
		denom := math.Abs(actual[i])
		if denom < 1e-9 {
			denom = 1e-9
		}
		sum += math.Abs(actual[i]-predicted[i]) / denom
	}
	return sum / float64(len(actual))
}

// intervalCoverage is the fraction of actuals falling inside [lower, upper]
func intervalCoverage(actual, lower, upper []float64) float64 {
	if len(actual) == 0 {
		return 0
	}
	inside := 0
	for i := range actual {
		if actual[i] >= lower[i] && actual[i] <= upper[i] {
			inside++
		}
	}
	return float64(inside) / float64(len(actual))
}

package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/heliosml/helios/pkg/models"
)

// dailySeries produces days of a sinusoidal daily load pattern at the test
// interval resolution
func dailySeries(days int, base, amplitude float64) models.Series {
	perDay := int(24 * time.Hour / testInterval)
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	s := make(models.Series, days*perDay)
	for i := range s {
		frac := float64(i%perDay) / float64(perDay)
		s[i] = models.MetricSample{
			Timestamp: start.Add(time.Duration(i) * testInterval),
			Value:     base + amplitude*math.Sin(2*math.Pi*frac),
		}
	}
	return s
}

func TestFitSeasonalRejectsCoarseInterval(t *testing.T) {
	opts := testOpts()
	opts.Interval = 48 * time.Hour
	if _, err := FitSeasonal(dailySeries(3, 0.5, 0.2), opts); err == nil {
		t.Fatal("Expected error for interval longer than a day, got nil")
	}
}

func TestSeasonalTracksDailyPattern(t *testing.T) {
	model, err := FitSeasonal(dailySeries(4, 0.5, 0.2), testOpts())
	if err != nil {
		t.Fatalf("FitSeasonal failed: %v", err)
	}

	perDay := int(24 * time.Hour / testInterval)
	preds, err := model.Predict(perDay)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	// Training ends at the end of a full cycle, so the next day repeats
	// the pattern. The forecast should rise into the morning peak and
	// fall into the trough.
	quarter := perDay / 4
	peak := preds[quarter-1].Value
	trough := preds[3*quarter-1].Value
	if peak <= trough {
		t.Errorf("Expected peak %f above trough %f", peak, trough)
	}
	if math.Abs(peak-0.7) > 0.1 {
		t.Errorf("Expected peak near 0.7, got %f", peak)
	}
	if math.Abs(trough-0.3) > 0.1 {
		t.Errorf("Expected trough near 0.3, got %f", trough)
	}
}

func TestSeasonalWidensWithScantHistory(t *testing.T) {
	short, err := FitSeasonal(dailySeries(1, 0.5, 0.2), testOpts())
	if err != nil {
		t.Fatalf("FitSeasonal on one cycle failed: %v", err)
	}
	long, err := FitSeasonal(dailySeries(4, 0.5, 0.2), testOpts())
	if err != nil {
		t.Fatalf("FitSeasonal on four cycles failed: %v", err)
	}

	shortPreds, err := short.Predict(1)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	longPreds, err := long.Predict(1)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}

	shortWidth := shortPreds[0].UpperBound - shortPreds[0].LowerBound
	longWidth := longPreds[0].UpperBound - longPreds[0].LowerBound
	if shortWidth < longWidth {
		t.Errorf("Expected wider interval with under two cycles: %f vs %f",
			shortWidth, longWidth)
	}
}

func TestSeasonalBoundsOrdered(t *testing.T) {
	model, err := FitSeasonal(dailySeries(3, 0.5, 0.2), testOpts())
	if err != nil {
		t.Fatalf("FitSeasonal failed: %v", err)
	}

	preds, err := model.Predict(24)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	for _, p := range preds {
		if p.LowerBound > p.Value || p.Value > p.UpperBound {
			t.Errorf("Horizon %d bounds out of order: [%f, %f] around %f",
				p.Horizon, p.LowerBound, p.UpperBound, p.Value)
		}
		if p.Value < 0 {
			t.Errorf("Horizon %d predicted negative value %f", p.Horizon, p.Value)
		}
	}
}

func TestSeasonalEncodeDecodeRoundTrip(t *testing.T) {
	model, err := FitSeasonal(dailySeries(3, 0.5, 0.2), testOpts())
	if err != nil {
		t.Fatalf("FitSeasonal failed: %v", err)
	}

	tm, err := model.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if tm.Meta.Kind != models.KindSeasonal {
		t.Errorf("Expected kind %s, got %s", models.KindSeasonal, tm.Meta.Kind)
	}

	decoded, err := Decode(tm)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want, _ := model.Predict(6)
	got, err := decoded.Predict(6)
	if err != nil {
		t.Fatalf("Predict on decoded model failed: %v", err)
	}
	for i := range want {
		if math.Abs(want[i].Value-got[i].Value) > 1e-12 {
			t.Errorf("Horizon %d: decoded predicts %f, original %f",
				want[i].Horizon, got[i].Value, want[i].Value)
		}
	}
}

func TestSeasonalLiftsOnLevelShift(t *testing.T) {
	// Two flat days, then a climb to 0.9 over the last hour. The trailing
	// residual correction must pull the forecasts toward the new level
	// instead of replaying the old pattern verbatim.
	model, err := FitSeasonal(riseSeries(576, 12, 0.4, 0.9), testOpts())
	if err != nil {
		t.Fatalf("FitSeasonal failed: %v", err)
	}

	preds, err := model.Predict(1)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if preds[0].Value <= 0.55 {
		t.Errorf("Expected the level correction to lift the horizon-1 forecast above 0.55, got %f", preds[0].Value)
	}
}

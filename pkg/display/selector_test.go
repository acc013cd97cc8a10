package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/shared"
)

func testConfig() Config {
	return Config{
		EstFreshSec:     120,
		StableWindowSec: 25,
		StableDistM:     50,
		GoodGNSSMaxAccM: 60,
	}
}

func acc(v float64) *float64 { return &v }

func pt(ts time.Time, kind string, lat, lon float64, accuracy *float64, flags string) ontology.LocationPoint {
	return ontology.LocationPoint{TS: ts, Kind: kind, Lat: lat, Lon: lon, AccuracyM: accuracy, Flags: flags}
}

func TestSelectDisplayPointEmpty(t *testing.T) {
	assert.Nil(t, SelectDisplayPoint(nil, time.Now(), testConfig()))
}

func TestFreshEstimateHoldsAgainstSingleFix(t *testing.T) {
	now := time.Now().UTC()
	points := []ontology.LocationPoint{
		pt(now.Add(-5*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(20), ""),
		pt(now.Add(-30*time.Second), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, shared.PointKindEstimated, got.Kind, "one lone fix after an indoor period does not win")
}

func TestTwoAgreeingFixesEndTheHold(t *testing.T) {
	now := time.Now().UTC()
	points := []ontology.LocationPoint{
		pt(now.Add(-5*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(20), ""),
		pt(now.Add(-15*time.Second), shared.PointKindGNSS, 52.53001, 13.42001, acc(25), ""),
		pt(now.Add(-30*time.Second), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, shared.PointKindGNSS, got.Kind)
	assert.Equal(t, 52.5300, got.Lat, "newest of the stable pair is shown")
}

func TestDisagreeingFixesDoNotEndTheHold(t *testing.T) {
	now := time.Now().UTC()
	// Two good fixes in the window but ~1.5km apart.
	points := []ontology.LocationPoint{
		pt(now.Add(-5*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(20), ""),
		pt(now.Add(-15*time.Second), shared.PointKindGNSS, 52.5440, 13.4200, acc(25), ""),
		pt(now.Add(-30*time.Second), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, shared.PointKindEstimated, got.Kind)
}

func TestStaleEstimateYieldsToGNSS(t *testing.T) {
	now := time.Now().UTC()
	points := []ontology.LocationPoint{
		pt(now.Add(-5*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(20), ""),
		pt(now.Add(-10*time.Minute), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, shared.PointKindGNSS, got.Kind)
}

func TestJumpAndPoorFixesAreNotGood(t *testing.T) {
	now := time.Now().UTC()
	points := []ontology.LocationPoint{
		pt(now.Add(-2*time.Second), shared.PointKindGNSS, 52.9000, 13.9000, acc(20), shared.FlagJump),
		pt(now.Add(-4*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(300), ""),
		pt(now.Add(-6*time.Second), shared.PointKindGNSS, 52.5301, 13.4201, nil, ""),
		pt(now.Add(-8*time.Second), shared.PointKindGNSS, 52.5302, 13.4202, acc(30), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, 52.5302, got.Lat, "jump-flagged, poor-accuracy and accuracy-less fixes are skipped")
}

func TestNothingGoodFallsBackToNewest(t *testing.T) {
	now := time.Now().UTC()
	points := []ontology.LocationPoint{
		pt(now.Add(-2*time.Second), shared.PointKindGNSS, 52.9000, 13.9000, acc(20), shared.FlagJump),
		pt(now.Add(-10*time.Minute), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, 52.9000, got.Lat)
}

func TestStaleGNSSPairDoesNotEndTheHold(t *testing.T) {
	now := time.Now().UTC()
	// The pair agrees in time and space but predates the indoor
	// period; it says nothing about GNSS quality now.
	points := []ontology.LocationPoint{
		pt(now.Add(-10*time.Second), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
		pt(now.Add(-60*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(20), ""),
		pt(now.Add(-70*time.Second), shared.PointKindGNSS, 52.53001, 13.42001, acc(25), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, shared.PointKindEstimated, got.Kind, "old fixes from before the indoor period must not end the hold")
	assert.Equal(t, 52.5201, got.Lat)
}

func TestStabilityComparesTheNewestPair(t *testing.T) {
	now := time.Now().UTC()
	// Three recent good fixes; the two newest disagree. An agreeing
	// pair further back does not establish stability.
	points := []ontology.LocationPoint{
		pt(now.Add(-3*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(20), ""),
		pt(now.Add(-10*time.Second), shared.PointKindGNSS, 52.5440, 13.4200, acc(25), ""),
		pt(now.Add(-12*time.Second), shared.PointKindGNSS, 52.54401, 13.42001, acc(25), ""),
		pt(now.Add(-30*time.Second), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, shared.PointKindEstimated, got.Kind)
}

func TestEstimateHoldsThroughPoorFixes(t *testing.T) {
	now := time.Now().UTC()
	// A newer but poor GNSS point does not count toward stability, so
	// the fresh estimate keeps the display.
	points := []ontology.LocationPoint{
		pt(now.Add(-5*time.Second), shared.PointKindGNSS, 52.5300, 13.4200, acc(300), ""),
		pt(now.Add(-10*time.Second), shared.PointKindEstimated, 52.5201, 13.4051, acc(60), ""),
		pt(now.Add(-20*time.Second), shared.PointKindGNSS, 52.5299, 13.4199, acc(20), ""),
	}

	got := SelectDisplayPoint(points, now, testConfig())
	require.NotNil(t, got)
	assert.Equal(t, shared.PointKindEstimated, got.Kind)
	assert.Equal(t, 52.5201, got.Lat)
}

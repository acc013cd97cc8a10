// Package display picks the single point an operator map should show
// for a device. Raw GNSS and radio estimates interleave in the track;
// flipping between them every few seconds makes the marker jitter, so
// selection applies hysteresis in favor of a recent estimate until
// GNSS proves itself stable again.
package display

import (
	"time"

	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/radiomap"
	"fieldtrack-api/pkg/shared"
)

type Config struct {
	// EstFreshSec is how long an estimated point outranks GNSS.
	EstFreshSec float64
	// StableWindowSec / StableDistM define GNSS stability: two good
	// fixes no older than the window that agree in space end the
	// estimate's hold.
	StableWindowSec float64
	StableDistM     float64
	// GoodGNSSMaxAccM is the accuracy ceiling for a "good" fix.
	GoodGNSSMaxAccM float64
}

// SelectDisplayPoint chooses the point to display from a device's
// recent track. Points must be sorted newest first. Returns nil only
// for an empty track.
//
// Rules, in order:
//  1. With a fresh estimate present, GNSS wins only once two recent
//     good fixes agree in space. A single good fix after an indoor
//     period is likely a wall-bounced outlier, and a pair from before
//     the indoor period proves nothing about now.
//  2. No fresh estimate: newest good GNSS fix.
//  3. Nothing good at all: newest point of any kind.
func SelectDisplayPoint(points []ontology.LocationPoint, now time.Time, cfg Config) *ontology.LocationPoint {
	if len(points) == 0 {
		return nil
	}

	// Only the newest estimated point can hold the display; an older
	// one has already been superseded.
	var freshEst *ontology.LocationPoint
	for i := range points {
		p := &points[i]
		if p.Kind == shared.PointKindEstimated {
			if now.Sub(p.TS).Seconds() <= cfg.EstFreshSec {
				freshEst = p
			}
			break
		}
	}

	good := goodFixes(points, cfg)

	if freshEst != nil {
		if stable := stablePair(good, now, cfg); stable != nil {
			return stable
		}
		return freshEst
	}

	if len(good) > 0 {
		return good[0]
	}
	return &points[0]
}

func goodFixes(points []ontology.LocationPoint, cfg Config) []*ontology.LocationPoint {
	var out []*ontology.LocationPoint
	for i := range points {
		p := &points[i]
		if p.Kind == shared.PointKindEstimated {
			continue
		}
		if p.Flags == shared.FlagJump {
			continue
		}
		if p.AccuracyM == nil || *p.AccuracyM <= 0 || *p.AccuracyM > cfg.GoodGNSSMaxAccM {
			continue
		}
		out = append(out, p)
	}
	return out
}

// stablePair returns the newest good fix when the two newest recent
// good fixes agree in space, or nil. Only fixes no older than the
// stability window count; anything before that predates the estimate
// and cannot vouch for the current GNSS quality.
func stablePair(good []*ontology.LocationPoint, now time.Time, cfg Config) *ontology.LocationPoint {
	var recent []*ontology.LocationPoint
	for _, p := range good {
		if now.Sub(p.TS).Seconds() <= cfg.StableWindowSec {
			recent = append(recent, p)
		}
	}
	if len(recent) < 2 {
		return nil
	}
	a, b := recent[0], recent[1]
	if radiomap.HaversineM(a.Lat, a.Lon, b.Lat, b.Lon) <= cfg.StableDistM {
		return a
	}
	return nil
}

// Package gate decides whether incoming pose samples are trustworthy enough
// to convert.
package gate

import (
	"fmt"
	"math"
	"strings"
)

type Policy string

const (
	// PolicyStatusCode admits while the latest filter state equals the good
	// value. It closes again if the state regresses.
	PolicyStatusCode Policy = "status"
	// PolicyCovarianceLatch opens on the first pose whose summed position
	// variance is below the threshold and never closes again.
	PolicyCovarianceLatch Policy = "covariance"
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PolicyStatusCode), "status_code":
		return PolicyStatusCode, nil
	case string(PolicyCovarianceLatch), "covariance_latch":
		return PolicyCovarianceLatch, nil
	default:
		return "", fmt.Errorf("unknown gate policy %q", s)
	}
}

// Gate is the admission verdict. Implementations are not safe for concurrent
// use; the pipeline owns its gate.
type Gate interface {
	Policy() Policy
	ObserveStatus(filterState int)
	ObservePose(positionVariance float64)
	Admit() bool
	Snapshot() Snapshot
}

type Config struct {
	Policy              Policy
	GoodStatus          int
	CovarianceThreshold float64
}

type Snapshot struct {
	Policy       Policy   `json:"policy"`
	Admit        bool     `json:"admit"`
	LastStatus   *int     `json:"last_status,omitempty"`
	LastVariance *float64 `json:"last_variance,omitempty"`
	GoodStatus   *int     `json:"good_status,omitempty"`
	Threshold    *float64 `json:"threshold,omitempty"`
}

func New(cfg Config) (Gate, error) {
	switch cfg.Policy {
	case PolicyStatusCode, "":
		return &StatusCode{Good: cfg.GoodStatus}, nil
	case PolicyCovarianceLatch:
		if cfg.CovarianceThreshold <= 0 || math.IsNaN(cfg.CovarianceThreshold) {
			return nil, fmt.Errorf("covariance threshold must be > 0")
		}
		return &CovarianceLatch{Threshold: cfg.CovarianceThreshold}, nil
	default:
		return nil, fmt.Errorf("unknown gate policy %q", cfg.Policy)
	}
}

// StatusCode tracks the status stream directly with no hysteresis.
type StatusCode struct {
	Good int

	last    int
	haveAny bool
}

func (g *StatusCode) Policy() Policy { return PolicyStatusCode }

func (g *StatusCode) ObserveStatus(filterState int) {
	g.last = filterState
	g.haveAny = true
}

func (g *StatusCode) ObservePose(float64) {}

func (g *StatusCode) Admit() bool {
	return g.haveAny && g.last == g.Good
}

func (g *StatusCode) Snapshot() Snapshot {
	good := g.Good
	snap := Snapshot{Policy: PolicyStatusCode, Admit: g.Admit(), GoodStatus: &good}
	if g.haveAny {
		v := g.last
		snap.LastStatus = &v
	}
	return snap
}

// CovarianceLatch opens on good data and stays open for the process lifetime.
type CovarianceLatch struct {
	Threshold float64

	latched      bool
	lastVariance float64
	haveAny      bool
}

func (g *CovarianceLatch) Policy() Policy { return PolicyCovarianceLatch }

func (g *CovarianceLatch) ObserveStatus(int) {}

func (g *CovarianceLatch) ObservePose(positionVariance float64) {
	g.lastVariance = positionVariance
	g.haveAny = true
	// NaN compares false, so it never opens the gate.
	if positionVariance < g.Threshold {
		g.latched = true
	}
}

func (g *CovarianceLatch) Admit() bool {
	return g.latched
}

func (g *CovarianceLatch) Snapshot() Snapshot {
	th := g.Threshold
	snap := Snapshot{Policy: PolicyCovarianceLatch, Admit: g.latched, Threshold: &th}
	if g.haveAny && !math.IsNaN(g.lastVariance) && !math.IsInf(g.lastVariance, 0) {
		v := g.lastVariance
		snap.LastVariance = &v
	}
	return snap
}

package stabilizer

import (
	"time"

	"lifeline-dispatch/pkg/geomath"
	"lifeline-dispatch/pkg/ontology"
)

// Rejection/acceptance reasons
const (
	ReasonFirstFix     = "first_fix"
	ReasonMoved        = "moved"
	ReasonStaleRefresh = "stale_refresh"
	ReasonLowAccuracy  = "low_accuracy_only_signal"
	ReasonJitter       = "jitter"
	ReasonPoorAccuracy = "poor_accuracy"
)

// Config holds stabilization thresholds.
type Config struct {
	// MinMoveKm is the minimum displacement for a fix to be material.
	MinMoveKm float64
	// MaxStaleness forces an accept so presence keeps refreshing its
	// coordinates even when the actor is stationary.
	MaxStaleness time.Duration
	// AccuracyThresholdM marks a fix as low quality.
	AccuracyThresholdM float64
	// AccuracyGrace is how long a low-quality fix is held back waiting
	// for a better one. Indoors it may be the only signal, so after the
	// grace window it is accepted anyway.
	AccuracyGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinMoveKm:          0.01, // ~10m
		MaxStaleness:       60 * time.Second,
		AccuracyThresholdM: 100,
		AccuracyGrace:      15 * time.Second,
	}
}

// Decision is the outcome of evaluating a raw fix. A rejected fix still
// refreshes the presence record's last-seen timestamp; it just must not
// move the stored coordinates.
type Decision struct {
	Accept bool
	Reason string
}

// Stabilizer filters raw GPS fixes for a single actor, suppressing jitter
// while keeping liveness visible. Not safe for concurrent use; each actor
// tracker owns one.
type Stabilizer struct {
	cfg Config

	lastAccepted   *ontology.Position
	lastAcceptedAt time.Time
	lastGoodFixAt  time.Time

	nowFunc func() time.Time
}

func New(cfg Config) *Stabilizer {
	if cfg.MinMoveKm <= 0 {
		cfg.MinMoveKm = DefaultConfig().MinMoveKm
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = DefaultConfig().MaxStaleness
	}
	if cfg.AccuracyThresholdM <= 0 {
		cfg.AccuracyThresholdM = DefaultConfig().AccuracyThresholdM
	}
	if cfg.AccuracyGrace <= 0 {
		cfg.AccuracyGrace = DefaultConfig().AccuracyGrace
	}
	return &Stabilizer{cfg: cfg, nowFunc: time.Now}
}

// SetNowFunc overrides the clock for deterministic tests.
func (s *Stabilizer) SetNowFunc(now func() time.Time) {
	s.nowFunc = now
}

// LastAccepted returns the most recent accepted fix, or nil.
func (s *Stabilizer) LastAccepted() *ontology.Position {
	return s.lastAccepted
}

// Evaluate decides whether a raw fix is material. Accepted fixes become the
// new reference point for subsequent jitter checks.
func (s *Stabilizer) Evaluate(fix ontology.Position) Decision {
	now := s.nowFunc()

	poor := fix.AccuracyM > s.cfg.AccuracyThresholdM
	if !poor {
		s.lastGoodFixAt = now
	} else if !s.lastGoodFixAt.IsZero() && now.Sub(s.lastGoodFixAt) < s.cfg.AccuracyGrace {
		// A poor fix only gets through when nothing better has been
		// seen for the grace window.
		return Decision{Accept: false, Reason: ReasonPoorAccuracy}
	}
	// A poor fix past the grace window is the only signal available, but
	// it still faces the same movement gates as a good one: a stationary
	// device streaming low-quality fixes must not flood the store.

	if s.lastAccepted == nil {
		s.accept(fix, now)
		return accepted(poor, ReasonFirstFix)
	}

	moved := geomath.DistanceKm(s.lastAccepted.Coord(), fix.Coord())
	if moved >= s.cfg.MinMoveKm {
		s.accept(fix, now)
		return accepted(poor, ReasonMoved)
	}

	if now.Sub(s.lastAcceptedAt) > s.cfg.MaxStaleness {
		s.accept(fix, now)
		return accepted(poor, ReasonStaleRefresh)
	}

	return Decision{Accept: false, Reason: ReasonJitter}
}

func accepted(poor bool, reason string) Decision {
	if poor {
		reason = ReasonLowAccuracy
	}
	return Decision{Accept: true, Reason: reason}
}

func (s *Stabilizer) accept(fix ontology.Position, now time.Time) {
	f := fix
	s.lastAccepted = &f
	s.lastAcceptedAt = now
}

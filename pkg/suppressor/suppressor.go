// Package suppressor implements the Suppressor (spec §4.8): in-memory
// correlation of recently observed alerts, identifying cascade roots and
// dependency-driven downstream suppression.
package suppressor

import (
	"sync"
	"time"

	"github.com/localops/warden/pkg/clock"
)

const observationWindow = 120 * time.Second

// CascadePair says that when A and B are both observed within the
// observation window, Root is the one that should proceed and the other
// should be suppressed.
type CascadePair struct {
	A, B, Root string
}

// Observation is one alert admitted into the correlation ring.
type Observation struct {
	AlertName string
	Service   string
	ObservedAt time.Time
}

// Config is the operator-authored correlation tables (spec §4.8).
type Config struct {
	CascadePairs []CascadePair
	// DependsOn maps a service to the services it depends on; if any
	// dependency is currently firing, the service's alerts are suppressed.
	DependsOn map[string][]string
}

// Decision is the Suppressor's verdict for one incoming alert.
type Decision struct {
	Suppressed bool
	Reason     string
	SuppressedBy string // the root alertname or dependency service
}

// Suppressor correlates alerts within a sliding window.
type Suppressor struct {
	cfg Config
	clk clock.Clock

	mu   sync.Mutex
	ring []Observation
	// firingServices tracks services currently known to be firing, for the
	// dependency-map check. Cleared by the caller on resolve.
	firingServices map[string]bool
}

// New constructs a Suppressor.
func New(cfg Config, clk clock.Clock) *Suppressor {
	return &Suppressor{cfg: cfg, clk: clk, firingServices: make(map[string]bool)}
}

func (s *Suppressor) pruneLocked() {
	cutoff := s.clk.Now().Add(-observationWindow)
	kept := s.ring[:0]
	for _, o := range s.ring {
		if o.ObservedAt.After(cutoff) {
			kept = append(kept, o)
		}
	}
	s.ring = kept
}

// Evaluate decides whether alertName (targeting service) should be
// suppressed given recently observed alerts, then admits it to the window
// regardless (so a later alert can correlate against it).
func (s *Suppressor) Evaluate(alertName, service string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked()

	decision := Decision{}

	// Cascade pairs: unordered (A,B) -> root.
	for _, pair := range s.cfg.CascadePairs {
		var other, root string
		switch alertName {
		case pair.A:
			other, root = pair.B, pair.Root
		case pair.B:
			other, root = pair.A, pair.Root
		default:
			continue
		}
		if root == alertName {
			continue // this alert IS the root; it always proceeds
		}
		for _, o := range s.ring {
			if o.AlertName == other {
				decision = Decision{Suppressed: true, Reason: "cascade", SuppressedBy: root}
				break
			}
		}
		if decision.Suppressed {
			break
		}
	}

	// Dependency map: suppress if any dependency is currently firing.
	if !decision.Suppressed {
		for _, dep := range s.cfg.DependsOn[service] {
			if s.firingServices[dep] {
				decision = Decision{Suppressed: true, Reason: "dependency", SuppressedBy: dep}
				break
			}
		}
	}

	s.ring = append(s.ring, Observation{AlertName: alertName, Service: service, ObservedAt: s.clk.Now()})
	if service != "" {
		s.firingServices[service] = true
	}

	return decision
}

// ClearFiring marks service as no longer firing (called on a resolved
// notification), allowing downstream alerts to proceed again.
func (s *Suppressor) ClearFiring(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firingServices, service)
}

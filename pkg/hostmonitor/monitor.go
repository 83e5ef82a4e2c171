// Package hostmonitor implements the Host Monitor (spec §4.6): a state
// machine per host tracking reachability from observed SSH outcomes and
// periodic pings.
package hostmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/localops/warden/pkg/clock"
)

// State is a host's reachability state.
type State string

const (
	StateUnknown State = "unknown"
	StateOnline  State = "online"
	StateFlaky   State = "flaky"
	StateOffline State = "offline"
)

const (
	offlineThreshold = 3
	offlineWindow    = 5 * time.Minute
	pingInterval     = 60 * time.Second
)

// Status is the last-observed reachability record for one host.
type Status struct {
	Host                string
	State               State
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	ConsecutiveFailures int
	firstFailureInRun   time.Time
	failuresInRun       int
}

// Pinger performs a cheap liveness probe (ICMP/TCP) against a host.
type Pinger interface {
	Ping(ctx context.Context, host string) bool
}

// Monitor tracks HostStatus for every host it has observed.
type Monitor struct {
	log *logrus.Logger
	clk clock.Clock
	pg  Pinger

	mu       sync.Mutex
	statuses map[string]*Status
}

// New constructs a Monitor. pg may be nil to disable background pinging.
func New(log *logrus.Logger, clk clock.Clock, pg Pinger) *Monitor {
	return &Monitor{
		log:      log,
		clk:      clk,
		pg:       pg,
		statuses: make(map[string]*Status),
	}
}

// ReportOutcome records one SSH execution's success/failure, implementing
// sshexec.OutcomeReporter.
func (m *Monitor) ReportOutcome(host string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statusLocked(host)
	now := m.clk.Now()

	if success {
		st.ConsecutiveFailures = 0
		st.LastSuccessAt = now
		st.State = StateOnline
		return
	}

	if st.ConsecutiveFailures == 0 || now.Sub(st.firstFailureInRun) > offlineWindow {
		st.firstFailureInRun = now
		st.failuresInRun = 0
	}
	st.ConsecutiveFailures++
	st.failuresInRun++
	st.LastFailureAt = now

	switch {
	case st.failuresInRun >= offlineThreshold:
		if st.State != StateOffline {
			m.log.WithField("host", host).Warn("host transitioned to offline")
		}
		st.State = StateOffline
	default:
		st.State = StateFlaky
	}
}

func (m *Monitor) statusLocked(host string) *Status {
	st, ok := m.statuses[host]
	if !ok {
		st = &Status{Host: host, State: StateUnknown}
		m.statuses[host] = st
	}
	return st
}

// IsAvailable reports whether remediation should proceed against host.
// online/unknown -> true; offline -> false; flaky -> true (caller should
// surface a warning hint) (spec §4.6).
func (m *Monitor) IsAvailable(host string) (available bool, warn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[host]
	if !ok {
		return true, false
	}
	switch st.State {
	case StateOffline:
		return false, false
	case StateFlaky:
		return true, true
	default:
		return true, false
	}
}

// Status returns a copy of the current status for host.
func (m *Monitor) Status(host string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[host]; ok {
		return *st
	}
	return Status{Host: host, State: StateUnknown}
}

// RunPingLoop periodically probes offline hosts, returning them to online on
// a single successful probe (spec §4.6). Blocks until ctx is cancelled.
func (m *Monitor) RunPingLoop(ctx context.Context) {
	if m.pg == nil {
		return
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	m.probeOfflineHosts(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOfflineHosts(ctx)
		}
	}
}

func (m *Monitor) probeOfflineHosts(ctx context.Context) {
	m.mu.Lock()
	offline := make([]string, 0)
	for host, st := range m.statuses {
		if st.State == StateOffline {
			offline = append(offline, host)
		}
	}
	m.mu.Unlock()

	for _, host := range offline {
		if m.pg.Ping(ctx, host) {
			m.ReportOutcome(host, true)
		}
	}
}

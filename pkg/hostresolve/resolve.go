// Package hostresolve maps an incoming Alert to the TargetHost the
// Orchestrator should act against, from an operator-authored table of known
// hosts (spec §3 "target host identity").
package hostresolve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/localops/warden/pkg/alert"
)

// HostEntry is one operator-configured remediation target.
type HostEntry struct {
	Name        string
	Address     string
	User        string
	KeyPath     string
	IsLocalhost bool
}

// Resolver maps an Alert's instance label to a configured HostEntry,
// matching on the hostname portion of "instance" (Prometheus's
// "host:port" convention) case-insensitively.
type Resolver struct {
	byHost map[string]HostEntry
}

// New builds a Resolver from hosts, keyed by HostEntry.Name.
func New(hosts []HostEntry) *Resolver {
	byHost := make(map[string]HostEntry, len(hosts))
	for _, h := range hosts {
		byHost[strings.ToLower(h.Name)] = h
	}
	return &Resolver{byHost: byHost}
}

// Resolve implements orchestrator.HostResolver.
func (r *Resolver) Resolve(in alert.Alert) (alert.TargetHost, error) {
	name := hostNameOf(in)
	entry, ok := r.byHost[strings.ToLower(name)]
	if !ok {
		return alert.TargetHost{}, fmt.Errorf("hostresolve: no configured host for %q (alert %s)", name, in.AlertName)
	}
	return alert.TargetHost{
		Name:        entry.Name,
		Address:     entry.Address,
		User:        entry.User,
		KeyPath:     entry.KeyPath,
		IsLocalhost: entry.IsLocalhost,
	}, nil
}

// TCPPinger implements hostmonitor.Pinger by dialing a host's SSH port,
// since SSH reachability is the only liveness signal the Executor actually
// depends on (spec §4.6 "host offline" detection).
type TCPPinger struct {
	hosts   map[string]HostEntry
	port    string
	timeout time.Duration
}

// PingerOption customizes a TCPPinger built by NewTCPPinger.
type PingerOption func(*TCPPinger)

// WithPort overrides the default SSH port (22), for deployments that expose
// a different liveness-check port.
func WithPort(port string) PingerOption {
	return func(p *TCPPinger) { p.port = port }
}

// WithTimeout overrides the default 3s dial timeout.
func WithTimeout(d time.Duration) PingerOption {
	return func(p *TCPPinger) { p.timeout = d }
}

// NewTCPPinger builds a TCPPinger from the same host table a Resolver uses.
func NewTCPPinger(hosts []HostEntry, opts ...PingerOption) *TCPPinger {
	byHost := make(map[string]HostEntry, len(hosts))
	for _, h := range hosts {
		byHost[strings.ToLower(h.Name)] = h
	}
	p := &TCPPinger{hosts: byHost, port: "22", timeout: 3 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ping reports whether host (by name) accepts a TCP connection on its SSH
// port within the configured timeout. An unconfigured host is always
// unreachable.
func (p *TCPPinger) Ping(ctx context.Context, host string) bool {
	entry, ok := p.hosts[strings.ToLower(host)]
	if !ok {
		return false
	}
	if entry.IsLocalhost {
		return true
	}
	addr := entry.Address
	if addr == "" {
		addr = entry.Name
	}

	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, p.port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// hostNameOf extracts the hostname portion of the alert's "instance" label,
// preferring an explicit "host" label when the source provides one.
func hostNameOf(a alert.Alert) string {
	if h, ok := a.Labels["host"]; ok && h != "" {
		return h
	}
	instance := a.Instance
	if i := strings.IndexByte(instance, ':'); i >= 0 {
		return instance[:i]
	}
	return instance
}

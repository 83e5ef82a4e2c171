// Package sshexec implements the SSH Executor (spec §4.2): a pool of
// per-host SSH clients with key preflight, exponential-backoff retry,
// circuit breaking, and a localhost shortcut for running inside an
// unprivileged container.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/localops/warden/pkg/alert"
	"github.com/localops/warden/pkg/clock"
	"github.com/localops/warden/pkg/wardenerr"
)

// Result is the outcome of one executed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OutcomeReporter receives every attempted execution's outcome so the Host
// Monitor can update reachability state (spec §4.2 "Outcome reporting").
type OutcomeReporter interface {
	ReportOutcome(host string, success bool)
}

// Retry policy (spec §4.2): base 1s, factor 2, cap 30s, max 5 attempts.
const (
	retryBase    = 1 * time.Second
	retryFactor  = 2
	retryCap     = 30 * time.Second
	retryMaxTrys = 5
	idleKeepalive = 60 * time.Second
)

type pooledConn struct {
	client     *ssh.Client
	lastUsedAt time.Time
}

// Executor pools live SSH sessions keyed by TargetHost.Name.
type Executor struct {
	log      *logrus.Logger
	clk      clock.Clock
	reporter OutcomeReporter

	mu    sync.Mutex
	pool  map[string]*pooledConn
	brkrs map[string]*gobreaker.CircuitBreaker

	keysChecked sync.Map // key path -> struct{}, memoizes preflight
}

// New constructs an Executor. reporter may be nil if availability tracking
// isn't needed (e.g. in tests).
func New(log *logrus.Logger, clk clock.Clock, reporter OutcomeReporter) *Executor {
	return &Executor{
		log:      log,
		clk:      clk,
		reporter: reporter,
		pool:     make(map[string]*pooledConn),
		brkrs:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// PreflightKey verifies a key file exists and has mode 0600. This is
// fail-fast: a bad key permission fails the entire startup rather than being
// retried later (spec §4.2).
func (e *Executor) PreflightKey(path string) error {
	if _, already := e.keysChecked.Load(path); already {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ssh key preflight: %w", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		return fmt.Errorf("ssh key preflight: %s has mode %04o, want 0600", path, mode)
	}
	e.keysChecked.Store(path, struct{}{})
	return nil
}

func (e *Executor) breakerFor(host string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.brkrs[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-" + host,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	e.brkrs[host] = b
	return b
}

// Execute runs command on host, retrying transient failures with
// exponential backoff. Authentication/permission failures are not retried.
func (e *Executor) Execute(ctx context.Context, host alert.TargetHost, command string, timeout time.Duration) (Result, error) {
	if host.IsLocalhost {
		return e.executeLocal(ctx, command, timeout)
	}

	breaker := e.breakerFor(host.Name)
	out, err := breaker.Execute(func() (any, error) {
		return e.executeRemoteWithRetry(ctx, host, command, timeout)
	})
	success := err == nil
	if e.reporter != nil {
		e.reporter.ReportOutcome(host.Name, success)
	}
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Result{}, wardenerr.New(wardenerr.KindRemoteUnavailable, host.Name, err)
		}
		return Result{}, err
	}
	return out.(Result), nil
}

func (e *Executor) executeRemoteWithRetry(ctx context.Context, host alert.TargetHost, command string, timeout time.Duration) (Result, error) {
	if err := e.PreflightKey(host.KeyPath); err != nil {
		return Result{}, wardenerr.New(wardenerr.KindValidation, host.Name, err)
	}

	wait := retryBase
	var lastErr error
	for attempt := 1; attempt <= retryMaxTrys; attempt++ {
		client, err := e.connection(host)
		if err != nil {
			if !isRetryable(err) {
				return Result{}, wardenerr.New(wardenerr.KindPolicyDeny, host.Name, err)
			}
			lastErr = err
			e.invalidate(host.Name)
			e.clk.Sleep(wait)
			wait = nextBackoff(wait)
			continue
		}

		res, err := runOnClient(ctx, client, command, timeout)
		if err == nil {
			return res, nil
		}
		if !isRetryable(err) {
			return Result{}, wardenerr.New(wardenerr.KindValidation, host.Name, err)
		}
		lastErr = err
		e.invalidate(host.Name)
		e.clk.Sleep(wait)
		wait = nextBackoff(wait)
	}
	return Result{}, wardenerr.New(wardenerr.KindRemoteUnavailable, host.Name, fmt.Errorf("exhausted %d retries: %w", retryMaxTrys, lastErr))
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * retryFactor
	if next > retryCap {
		return retryCap
	}
	return next
}

// isRetryable distinguishes transient network failures from auth/permission
// failures, which are never retried (spec §4.2).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, nonRetryable := range []string{"unable to authenticate", "permission denied", "no supported methods remain"} {
		if strings.Contains(msg, nonRetryable) {
			return false
		}
	}
	return true
}

func (e *Executor) connection(host alert.TargetHost) (*ssh.Client, error) {
	e.mu.Lock()
	conn, ok := e.pool[host.Name]
	e.mu.Unlock()

	if ok && conn.client != nil {
		if e.clk.Now().Sub(conn.lastUsedAt) > idleKeepalive {
			if _, _, err := conn.client.SendRequest("keepalive@warden", true, nil); err != nil {
				e.invalidate(host.Name)
			} else {
				conn.lastUsedAt = e.clk.Now()
				return conn.client, nil
			}
		} else {
			conn.lastUsedAt = e.clk.Now()
			return conn.client, nil
		}
	}

	signer, err := loadSigner(host.KeyPath)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // home-lab trust-on-first-use model; host keys pinned out of band
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", host.Address, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host.Address, err)
	}

	e.mu.Lock()
	e.pool[host.Name] = &pooledConn{client: client, lastUsedAt: e.clk.Now()}
	e.mu.Unlock()
	return client, nil
}

func (e *Executor) invalidate(hostName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conn, ok := e.pool[hostName]; ok {
		if conn.client != nil {
			_ = conn.client.Close()
		}
		delete(e.pool, hostName)
	}
}

func runOnClient(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) (Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open channel: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case <-time.After(timeout):
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("command timed out after %s", timeout)
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return Result{}, err
			}
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	}
}

// executeLocal runs command via the local shell, stripping "sudo " prefixes
// since Warden runs unprivileged inside a container (spec §4.2 "localhost
// shortcut").
func (e *Executor) executeLocal(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	stripped := strings.TrimPrefix(strings.TrimSpace(command), "sudo ")

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", stripped)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			if e.reporter != nil {
				e.reporter.ReportOutcome("localhost", false)
			}
			return Result{}, wardenerr.New(wardenerr.KindRemoteUnavailable, "localhost", err)
		}
	}
	if e.reporter != nil {
		e.reporter.ReportOutcome("localhost", true)
	}
	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func loadSigner(keyPath string) (ssh.Signer, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", keyPath, err)
	}
	return signer, nil
}

// CloseAll gracefully tears down every pooled connection.
func (e *Executor) CloseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, conn := range e.pool {
		if conn.client != nil {
			_ = conn.client.Close()
		}
		delete(e.pool, name)
	}
}

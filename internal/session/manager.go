// Package session drives the per-account lifecycle: token acquisition, the
// three concurrent maintenance loops (heartbeat, protection, refresh), and
// the recovery paths that keep a device session alive across expiries,
// transient failures, and full restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dicklesworthstone/nnm/internal/accounts"
	"github.com/Dicklesworthstone/nnm/internal/naoris"
	"github.com/Dicklesworthstone/nnm/internal/report"
)

// ErrAuthExhausted reports that every token issuance attempt in one
// acquisition cycle failed.
var ErrAuthExhausted = errors.New("authentication attempts exhausted")

// APIClient is the slice of the wire client the session engine needs.
type APIClient interface {
	IssueToken(ctx context.Context, address, proxy string) (string, error)
	Heartbeat(ctx context.Context, address, token, proxy string) (naoris.HeartbeatOutcome, error)
	ProtectionStatus(ctx context.Context, address, token, proxy string) naoris.ProtectionState
	Switch(ctx context.Context, address string, deviceHash int64, token, proxy string, state naoris.SwitchState) (bool, error)
}

// ProxySource hands out proxies per account. Assign is sticky; Rotate
// forcibly rebinds after a failure. Both return "" when no proxies exist.
type ProxySource interface {
	Assign(account string) string
	Rotate(account string) string
}

// Config carries every interval and attempt budget of the session engine.
type Config struct {
	HeartbeatInterval time.Duration
	StatusRecheck     time.Duration
	TokenTTL          time.Duration
	RefreshCheck      time.Duration

	AuthAttempts   int
	AuthRetryDelay time.Duration
	ReauthWait     time.Duration

	ActivationAttempts   int
	ActivationRetryDelay time.Duration
	ActivationFailWait   time.Duration

	RenewalAttempts int
	CrashPause      time.Duration
}

// DefaultConfig reproduces the cadence the upstream service is known to
// tolerate.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    8 * time.Second,
		StatusRecheck:        60 * time.Second,
		TokenTTL:             900 * time.Second,
		RefreshCheck:         60 * time.Second,
		AuthAttempts:         3,
		AuthRetryDelay:       5 * time.Second,
		ReauthWait:           10 * time.Second,
		ActivationAttempts:   3,
		ActivationRetryDelay: 5 * time.Second,
		ActivationFailWait:   10 * time.Second,
		RenewalAttempts:      3,
		CrashPause:           5 * time.Second,
	}
}

// exitReason is why runActive handed control back to the outer loop.
type exitReason int

const (
	exitShutdown exitReason = iota
	exitExpired
	exitRestart
)

// Manager owns one account's session. All mutable session state lives here;
// nothing is shared across accounts except the rate limiter and proxy pool
// behind the injected collaborators.
type Manager struct {
	account accounts.Account
	client  APIClient
	proxies ProxySource
	sink    report.Sink
	cfg     Config

	token tokenCell

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) bool
}

// NewManager wires a Manager for one account. The account's device hash
// travels with it, so renewal never has to look it up again.
func NewManager(acct accounts.Account, client APIClient, proxies ProxySource, sink report.Sink, cfg Config) *Manager {
	return &Manager{
		account: acct,
		client:  client,
		proxies: proxies,
		sink:    sink,
		cfg:     cfg,
		nowFn:   time.Now,
		sleepFn: sleepCtx,
	}
}

// sleepCtx waits d or until ctx ends; it reports whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run keeps the account's session alive until ctx ends. The state machine is
// an explicit loop: expiry, failed recovery, and crashes all return here
// instead of recursing.
func (m *Manager) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if m.token.get() == "" {
			if err := m.acquireToken(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.report("", report.Warn, fmt.Sprintf("authentication failed (%v), retrying in %s", err, m.cfg.ReauthWait))
				if !m.sleep(ctx, m.cfg.ReauthWait) {
					return
				}
				continue
			}
		}

		switch m.runActive(ctx) {
		case exitShutdown:
			return
		case exitExpired:
			// Renewal already decided the token cell: set means renewal
			// succeeded and the next iteration goes straight back to
			// Active, empty means fresh acquisition.
		case exitRestart:
			m.token.clear()
			m.report("", report.Warn, fmt.Sprintf("restarting session in %s", m.cfg.CrashPause))
			if !m.sleep(ctx, m.cfg.CrashPause) {
				return
			}
		}
	}
}

// acquireToken tries token issuance up to the configured attempt budget,
// rotating the proxy after each failed attempt.
func (m *Manager) acquireToken(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.AuthAttempts; attempt++ {
		proxy := m.proxies.Assign(m.account.Address)
		token, err := m.client.IssueToken(ctx, m.account.Address, proxy)
		if err == nil {
			m.token.set(token, m.nowFn())
			m.report(proxy, report.Success, "token acquired")
			return nil
		}
		lastErr = err
		m.report(proxy, report.Warn, fmt.Sprintf("token attempt %d/%d failed: %v", attempt, m.cfg.AuthAttempts, err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.proxies.Rotate(m.account.Address)
		if attempt < m.cfg.AuthAttempts && !m.sleep(ctx, m.cfg.AuthRetryDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", ErrAuthExhausted, lastErr)
}

// runActive runs the three sub-loops. The heartbeat loop decides when the
// active state ends; protection and refresh run until the session context is
// cancelled.
func (m *Manager) runActive(ctx context.Context) exitReason {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.protectionLoop(sctx)
	}()
	go func() {
		defer wg.Done()
		m.refreshLoop(sctx)
	}()

	reason := m.heartbeatLoop(sctx)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		return exitShutdown
	}
	return reason
}

// heartbeatLoop pings on a fixed cadence. Expiry triggers renewal and exits;
// a plain failure runs recovery in place and only exits when recovery is
// exhausted.
func (m *Manager) heartbeatLoop(ctx context.Context) exitReason {
	for {
		proxy := m.proxies.Assign(m.account.Address)
		outcome, err := m.client.Heartbeat(ctx, m.account.Address, m.token.get(), proxy)
		if ctx.Err() != nil {
			return exitShutdown
		}

		switch outcome {
		case naoris.HeartbeatOK:
			m.report(proxy, report.Success, "heartbeat ok")
			if !m.sleep(ctx, m.cfg.HeartbeatInterval) {
				return exitShutdown
			}

		case naoris.HeartbeatSessionExpired:
			m.report(proxy, report.Warn, "session expired, renewing")
			if err := m.renewSession(ctx); err != nil {
				if ctx.Err() != nil {
					return exitShutdown
				}
				m.report(proxy, report.Error, fmt.Sprintf("renewal failed: %v", err))
			}
			return exitExpired

		default:
			m.report(proxy, report.Error, fmt.Sprintf("heartbeat failed: %v", err))
			if !m.recoverFromFailure(ctx) {
				if ctx.Err() != nil {
					return exitShutdown
				}
				return exitRestart
			}
			if !m.sleep(ctx, m.cfg.HeartbeatInterval) {
				return exitShutdown
			}
		}
	}
}

// protectionLoop keeps the device switch on. Anything other than an active
// state, including unknown and error, is answered with an activation
// attempt.
func (m *Manager) protectionLoop(ctx context.Context) {
	for ctx.Err() == nil {
		proxy := m.proxies.Assign(m.account.Address)
		state := m.client.ProtectionStatus(ctx, m.account.Address, m.token.get(), proxy)
		if ctx.Err() != nil {
			return
		}

		if state == naoris.StateActive {
			m.report(proxy, report.Success, "protection active")
			if !m.sleep(ctx, m.cfg.StatusRecheck) {
				return
			}
			continue
		}

		m.report(proxy, report.Warn, fmt.Sprintf("protection %s, activating", state))
		if m.activateProtection(ctx) {
			if !m.sleep(ctx, m.cfg.StatusRecheck) {
				return
			}
		} else {
			if !m.sleep(ctx, m.cfg.ActivationFailWait) {
				return
			}
		}
	}
}

// refreshLoop reissues the token once its age crosses the TTL, checking on
// a coarser cadence than the TTL itself.
func (m *Manager) refreshLoop(ctx context.Context) {
	for {
		if !m.sleep(ctx, m.cfg.RefreshCheck) {
			return
		}
		issued := m.token.issued()
		if issued.IsZero() || m.nowFn().Sub(issued) < m.cfg.TokenTTL {
			continue
		}

		proxy := m.proxies.Assign(m.account.Address)
		token, err := m.client.IssueToken(ctx, m.account.Address, proxy)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.report(proxy, report.Warn, fmt.Sprintf("token refresh failed: %v", err))
			continue
		}
		m.token.set(token, m.nowFn())
		m.report(proxy, report.Success, "token refreshed")
	}
}

// renewSession rebuilds the session after an expiry: fresh token, then the
// full activation sequence. On any failure the token cell is cleared so the
// outer loop starts from acquisition.
func (m *Manager) renewSession(ctx context.Context) error {
	if err := m.acquireToken(ctx); err != nil {
		m.token.clear()
		return err
	}
	if !m.activateProtection(ctx) {
		m.token.clear()
		return errors.New("activation failed after token renewal")
	}
	m.report("", report.Success, "session renewed")
	return nil
}

// recoverFromFailure rotates the proxy and retries renewal with exponential
// backoff. It reports whether the session was recovered; false means the
// caller should fall back to a full restart.
func (m *Manager) recoverFromFailure(ctx context.Context) bool {
	rotated := m.proxies.Rotate(m.account.Address)
	if rotated != "" {
		slog.Debug("rotated proxy for recovery", "account", m.account.Address, "proxy", report.ProxyLabel(rotated))
	}

	for attempt := 0; attempt < m.cfg.RenewalAttempts; attempt++ {
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		if !m.sleep(ctx, backoff) {
			return false
		}
		if err := m.renewSession(ctx); err == nil {
			m.report(rotated, report.Success, "session recovered")
			return true
		} else if ctx.Err() != nil {
			return false
		} else {
			m.report(rotated, report.Warn, fmt.Sprintf("recovery attempt %d/%d failed: %v", attempt+1, m.cfg.RenewalAttempts, err))
		}
	}
	return false
}

// activateProtection runs the OFF-then-ON switch sequence. The upstream
// service wants an explicit state transition; a bare ON on an already-on
// device is not accepted. Attempts sleep only between each other.
func (m *Manager) activateProtection(ctx context.Context) bool {
	for attempt := 1; attempt <= m.cfg.ActivationAttempts; attempt++ {
		proxy := m.proxies.Assign(m.account.Address)
		token := m.token.get()

		if _, err := m.client.Switch(ctx, m.account.Address, m.account.DeviceHash, token, proxy, naoris.SwitchOff); err != nil {
			slog.Debug("switch off failed", "account", m.account.Address, "error", err)
		}
		if ctx.Err() != nil {
			return false
		}

		ok, err := m.client.Switch(ctx, m.account.Address, m.account.DeviceHash, token, proxy, naoris.SwitchOn)
		if err == nil && ok {
			m.report(proxy, report.Success, "protection activated")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.report(proxy, report.Warn, fmt.Sprintf("activation attempt %d/%d failed", attempt, m.cfg.ActivationAttempts))
		if attempt < m.cfg.ActivationAttempts && !m.sleep(ctx, m.cfg.ActivationRetryDelay) {
			return false
		}
	}
	return false
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	return m.sleepFn(ctx, d)
}

func (m *Manager) report(proxy string, sev report.Severity, msg string) {
	if proxy == "" {
		proxy = m.proxies.Assign(m.account.Address)
	}
	m.sink.Report(m.account.Address, proxy, sev, msg)
}

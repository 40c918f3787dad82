package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dicklesworthstone/nnm/internal/accounts"
	"github.com/Dicklesworthstone/nnm/internal/naoris"
	"github.com/Dicklesworthstone/nnm/internal/report"
)

// scriptClient scripts the wire operations with per-call hooks keyed by a
// 1-based call counter per operation.
type scriptClient struct {
	mu          sync.Mutex
	issueCalls  int
	beatCalls   int
	statusCalls int
	switchCalls int
	switchSeq   []naoris.SwitchState

	issue  func(n int) (string, error)
	beat   func(n int, token string) (naoris.HeartbeatOutcome, error)
	status func(n int) naoris.ProtectionState
	swch   func(n int, state naoris.SwitchState) (bool, error)
}

func (c *scriptClient) IssueToken(ctx context.Context, address, proxy string) (string, error) {
	c.mu.Lock()
	c.issueCalls++
	n := c.issueCalls
	c.mu.Unlock()
	if c.issue == nil {
		return "tok", nil
	}
	return c.issue(n)
}

func (c *scriptClient) Heartbeat(ctx context.Context, address, token, proxy string) (naoris.HeartbeatOutcome, error) {
	c.mu.Lock()
	c.beatCalls++
	n := c.beatCalls
	c.mu.Unlock()
	if c.beat == nil {
		return naoris.HeartbeatOK, nil
	}
	return c.beat(n, token)
}

func (c *scriptClient) ProtectionStatus(ctx context.Context, address, token, proxy string) naoris.ProtectionState {
	c.mu.Lock()
	c.statusCalls++
	n := c.statusCalls
	c.mu.Unlock()
	if c.status == nil {
		return naoris.StateActive
	}
	return c.status(n)
}

func (c *scriptClient) Switch(ctx context.Context, address string, deviceHash int64, token, proxy string, state naoris.SwitchState) (bool, error) {
	c.mu.Lock()
	c.switchCalls++
	n := c.switchCalls
	c.switchSeq = append(c.switchSeq, state)
	c.mu.Unlock()
	if c.swch == nil {
		return true, nil
	}
	return c.swch(n, state)
}

type fakeProxies struct {
	mu      sync.Mutex
	rotates int
}

func (p *fakeProxies) Assign(string) string {
	return "http://user:pw@proxy-a:8080"
}

func (p *fakeProxies) Rotate(string) string {
	p.mu.Lock()
	p.rotates++
	p.mu.Unlock()
	return "http://user:pw@proxy-b:8080"
}

func (p *fakeProxies) rotated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotates
}

type nopSink struct{}

func (nopSink) Report(actor, proxy string, sev report.Severity, msg string) {}

func testAccount() accounts.Account {
	return accounts.Account{Address: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", DeviceHash: 99}
}

// fastSleep skips all waits but still honors cancellation.
func fastSleep(ctx context.Context, d time.Duration) bool {
	return ctx.Err() == nil
}

func newTestManager(c *scriptClient, p *fakeProxies) *Manager {
	m := NewManager(testAccount(), c, p, nopSink{}, DefaultConfig())
	m.sleepFn = fastSleep
	return m
}

func TestRun_ExpiredSessionRenewsAndResumes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &scriptClient{}
	client.issue = func(n int) (string, error) {
		if n == 1 {
			return "t1", nil
		}
		return "t2", nil
	}
	client.beat = func(n int, token string) (naoris.HeartbeatOutcome, error) {
		switch n {
		case 1:
			if token != "t1" {
				t.Errorf("first heartbeat token = %q, want t1", token)
			}
			return naoris.HeartbeatSessionExpired, naoris.ErrSessionExpired
		default:
			if token != "t2" {
				t.Errorf("post-renewal heartbeat token = %q, want t2", token)
			}
			cancel()
			return naoris.HeartbeatOK, nil
		}
	}

	m := newTestManager(client, &fakeProxies{})
	m.Run(ctx)

	if client.issueCalls != 2 {
		t.Errorf("issue calls = %d, want 2 (initial + renewal)", client.issueCalls)
	}
	if len(client.switchSeq) < 2 || client.switchSeq[0] != naoris.SwitchOff || client.switchSeq[1] != naoris.SwitchOn {
		t.Errorf("switch sequence = %v, want OFF then ON", client.switchSeq)
	}
}

func TestRun_HeartbeatFailureRecoversInPlace(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &scriptClient{}
	client.beat = func(n int, token string) (naoris.HeartbeatOutcome, error) {
		if n == 1 {
			return naoris.HeartbeatFailure, &naoris.StatusError{Op: "heartbeat", Code: 500}
		}
		cancel()
		return naoris.HeartbeatOK, nil
	}

	proxies := &fakeProxies{}
	m := newTestManager(client, proxies)
	m.Run(ctx)

	if proxies.rotated() == 0 {
		t.Error("recovery should rotate the proxy")
	}
	// Recovery renews: a second token issue and an OFF/ON pair.
	if client.issueCalls < 2 {
		t.Errorf("issue calls = %d, want >= 2", client.issueCalls)
	}
	if len(client.switchSeq) < 2 {
		t.Errorf("switch calls = %d, want an activation pair", len(client.switchSeq))
	}
}

func TestAcquireToken_RotatesBetweenAttempts(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	client.issue = func(n int) (string, error) {
		if n < 3 {
			return "", errors.New("boom")
		}
		return "t1", nil
	}

	proxies := &fakeProxies{}
	m := newTestManager(client, proxies)

	var sleeps []time.Duration
	m.sleepFn = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}

	if err := m.acquireToken(context.Background()); err != nil {
		t.Fatalf("acquireToken: %v", err)
	}
	if m.token.get() != "t1" {
		t.Errorf("token = %q, want t1", m.token.get())
	}
	if got := proxies.rotated(); got != 2 {
		t.Errorf("rotations = %d, want 2 (one per failed attempt)", got)
	}
	want := []time.Duration{5 * time.Second, 5 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestAcquireToken_Exhaustion(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	client.issue = func(n int) (string, error) {
		return "", errors.New("service down")
	}

	m := newTestManager(client, &fakeProxies{})
	err := m.acquireToken(context.Background())
	if !errors.Is(err, ErrAuthExhausted) {
		t.Fatalf("err = %v, want ErrAuthExhausted", err)
	}
	if client.issueCalls != 3 {
		t.Errorf("issue calls = %d, want 3", client.issueCalls)
	}
	if m.token.get() != "" {
		t.Errorf("token = %q, want empty", m.token.get())
	}
}

func TestRecoverFromFailure_BackoffSequence(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	client.issue = func(n int) (string, error) {
		return "", errors.New("still down")
	}

	m := newTestManager(client, &fakeProxies{})
	// One auth attempt per renewal keeps the recorded sleeps to the
	// recovery backoffs alone.
	m.cfg.AuthAttempts = 1

	var sleeps []time.Duration
	m.sleepFn = func(ctx context.Context, d time.Duration) bool {
		sleeps = append(sleeps, d)
		return true
	}

	if m.recoverFromFailure(context.Background()) {
		t.Fatal("recovery should fail when renewal never succeeds")
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("backoff %d = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestActivateProtection(t *testing.T) {
	t.Parallel()

	t.Run("exhausts attempts with pauses between", func(t *testing.T) {
		t.Parallel()
		client := &scriptClient{}
		client.swch = func(n int, state naoris.SwitchState) (bool, error) {
			return false, nil
		}

		m := newTestManager(client, &fakeProxies{})
		var sleeps []time.Duration
		m.sleepFn = func(ctx context.Context, d time.Duration) bool {
			sleeps = append(sleeps, d)
			return true
		}

		if m.activateProtection(context.Background()) {
			t.Fatal("activation should fail")
		}
		if client.switchCalls != 6 {
			t.Errorf("switch calls = %d, want 6 (OFF+ON per attempt)", client.switchCalls)
		}
		if len(sleeps) != 2 {
			t.Errorf("sleeps = %v, want 2 pauses between 3 attempts", sleeps)
		}
	})

	t.Run("failed OFF does not block a successful ON", func(t *testing.T) {
		t.Parallel()
		client := &scriptClient{}
		client.swch = func(n int, state naoris.SwitchState) (bool, error) {
			if state == naoris.SwitchOff {
				return false, errors.New("off rejected")
			}
			return true, nil
		}

		m := newTestManager(client, &fakeProxies{})
		if !m.activateProtection(context.Background()) {
			t.Fatal("activation should succeed on ON despite OFF failure")
		}
	})
}

func TestRefreshLoop_ReissuesAfterTTL(t *testing.T) {
	t.Parallel()
	client := &scriptClient{}
	client.issue = func(n int) (string, error) {
		return "fresh", nil
	}

	m := newTestManager(client, &fakeProxies{})

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return clock }
	m.token.set("stale", clock)

	// Each sleep advances the fake clock; the budget ends the loop.
	budget := 20
	m.sleepFn = func(ctx context.Context, d time.Duration) bool {
		if budget == 0 {
			return false
		}
		budget--
		clock = clock.Add(d)
		return true
	}

	m.refreshLoop(context.Background())

	// 900s TTL at 60s checks: one refresh in 20 cycles, not more.
	if client.issueCalls != 1 {
		t.Errorf("issue calls = %d, want exactly 1 refresh", client.issueCalls)
	}
	if m.token.get() != "fresh" {
		t.Errorf("token = %q, want fresh", m.token.get())
	}
}

func TestTokenCell_RefreshVisibleToReaders(t *testing.T) {
	t.Parallel()
	var cell tokenCell
	cell.set("a", time.Now())

	done := make(chan struct{})
	go func() {
		defer close(done)
		cell.set("b", time.Now())
	}()
	<-done

	if got := cell.get(); got != "b" {
		t.Errorf("get = %q, want b", got)
	}
}

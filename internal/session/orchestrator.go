package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Dicklesworthstone/nnm/internal/accounts"
	"github.com/Dicklesworthstone/nnm/internal/report"
)

// Orchestrator runs one Manager per account, all concurrent and isolated:
// a crash in one account's loop never takes down another's.
type Orchestrator struct {
	client  APIClient
	proxies ProxySource
	sink    report.Sink
	cfg     Config

	sleepFn func(ctx context.Context, d time.Duration) bool
}

// NewOrchestrator wires an Orchestrator over shared collaborators.
func NewOrchestrator(client APIClient, proxies ProxySource, sink report.Sink, cfg Config) *Orchestrator {
	return &Orchestrator{
		client:  client,
		proxies: proxies,
		sink:    sink,
		cfg:     cfg,
		sleepFn: sleepCtx,
	}
}

// Run blocks until every account loop has exited, which only happens when
// ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, accts []accounts.Account) {
	var wg sync.WaitGroup
	for _, acct := range accts {
		wg.Add(1)
		go func(acct accounts.Account) {
			defer wg.Done()
			o.keep(ctx, acct)
		}(acct)
	}
	wg.Wait()
}

// keep restarts the account's Manager after a panic, pausing first. A clean
// Manager exit means ctx ended, so the loop terminates.
func (o *Orchestrator) keep(ctx context.Context, acct accounts.Account) {
	for ctx.Err() == nil {
		m := NewManager(acct, o.client, o.proxies, o.sink, o.cfg)
		if o.runIsolated(ctx, m) {
			return
		}
		if !o.sleepFn(ctx, o.cfg.CrashPause) {
			return
		}
	}
}

func (o *Orchestrator) runIsolated(ctx context.Context, m *Manager) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session loop crashed", "account", report.MaskAccount(m.account.Address), "panic", r)
			o.sink.Report(m.account.Address, "", report.Error, "session loop crashed, restarting")
			clean = false
		}
	}()
	m.Run(ctx)
	return true
}

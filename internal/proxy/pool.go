// Package proxy manages the process-wide proxy pool: sticky per-account
// assignment, forced rotation after failures, and the loaders that fill the
// pool at startup.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// knownSchemes lists the proxy schemes passed through untouched. Anything
// else is treated as a bare host:port and prefixed with http://.
var knownSchemes = []string{"http://", "https://", "socks4://", "socks5://"}

// Normalize ensures a proxy URI carries a scheme.
func Normalize(raw string) string {
	for _, scheme := range knownSchemes {
		if strings.HasPrefix(raw, scheme) {
			return raw
		}
	}
	return "http://" + raw
}

// Pool assigns proxies to accounts round-robin. An account keeps its proxy
// until Rotate is called for it; the pool never reassigns silently. The
// cursor and bindings are the only cross-account mutable state in the
// process besides the rate limiter, so one mutex guards both.
type Pool struct {
	mu       sync.Mutex
	proxies  []string
	cursor   int
	bindings map[string]string // account address -> proxy URI
}

// New builds a pool from raw proxy entries, normalizing each.
func New(proxies []string) *Pool {
	normalized := make([]string, 0, len(proxies))
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		normalized = append(normalized, Normalize(p))
	}
	return &Pool{
		proxies:  normalized,
		bindings: make(map[string]string),
	}
}

// Size returns the number of proxies in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Assign returns the account's bound proxy, binding the next pool entry
// round-robin if the account has none. Returns "" when the pool is empty.
func (p *Pool) Assign(account string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bound, ok := p.bindings[account]; ok && bound != "" {
		return bound
	}
	return p.bindLocked(account)
}

// Rotate forcibly advances the cursor and rebinds the account, regardless of
// its current binding. With a single-entry pool the account gets the same
// proxy back but the cursor still advances.
func (p *Pool) Rotate(account string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.bindLocked(account)
	if next != "" {
		slog.Debug("rotated proxy", "account", account, "proxy", next)
	}
	return next
}

func (p *Pool) bindLocked(account string) string {
	if len(p.proxies) == 0 {
		return ""
	}
	proxy := p.proxies[p.cursor%len(p.proxies)]
	p.cursor++
	p.bindings[account] = proxy
	return proxy
}

// LoadFile reads one proxy per line, skipping blanks.
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proxy file: %w", err)
	}
	return splitLines(string(data)), nil
}

// Fetch downloads a plain-text proxy list, one entry per line.
func Fetch(ctx context.Context, url string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build proxy list request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch proxy list: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	return splitLines(string(body)), nil
}

// SaveFile writes the proxy list back to disk so later runs can use private
// mode without refetching.
func SaveFile(path string, proxies []string) error {
	return os.WriteFile(path, []byte(strings.Join(proxies, "\n")), 0644)
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Package naoris implements the wire protocol of the Naoris protection
// service: token issuance, heartbeat pings, protection status queries, and
// the device switch. Every call is paced through the shared rate limiter
// and routed through the caller's assigned proxy.
package naoris

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/Dicklesworthstone/nnm/internal/ratelimit"
)

// HeartbeatOutcome classifies a heartbeat call. The mapping is total: every
// possible response or failure lands in exactly one of the three values.
type HeartbeatOutcome int

const (
	HeartbeatOK HeartbeatOutcome = iota
	HeartbeatSessionExpired
	HeartbeatFailure
)

func (o HeartbeatOutcome) String() string {
	switch o {
	case HeartbeatOK:
		return "ok"
	case HeartbeatSessionExpired:
		return "sessionExpired"
	default:
		return "failure"
	}
}

// ProtectionState is the remote service's view of a device's protection.
type ProtectionState string

const (
	StateActive   ProtectionState = "active"
	StateInactive ProtectionState = "inactive"
	StateUnknown  ProtectionState = "unknown"
	StateError    ProtectionState = "error"
)

// SwitchState is the requested device switch position.
type SwitchState string

const (
	SwitchOn  SwitchState = "ON"
	SwitchOff SwitchState = "OFF"
)

// Config holds the endpoints and timeouts for the remote service.
type Config struct {
	// AuthBase hosts token issuance, status, and switch.
	AuthBase string
	// BeatBase hosts the heartbeat endpoint.
	BeatBase string
	// RequestTimeout bounds auth/status/switch calls.
	RequestTimeout time.Duration
	// PingTimeout bounds heartbeat calls.
	PingTimeout time.Duration
}

// Client issues the four remote operations. It is safe for concurrent use
// by all account sessions; the only mutable state is the per-proxy
// http.Client cache.
type Client struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	userAgent string

	clientMu sync.RWMutex
	clients  map[string]*http.Client
}

// New creates a Client sharing the given rate limiter.
func New(cfg Config, limiter *ratelimit.Limiter) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	return &Client{
		cfg:       cfg,
		limiter:   limiter,
		userAgent: randomUserAgent(),
		clients:   make(map[string]*http.Client),
	}
}

// IssueToken requests a bearer token for the wallet address. Success is a
// 2xx response carrying a non-empty token field; anything else is an error.
func (c *Client) IssueToken(ctx context.Context, address, proxyURI string) (string, error) {
	const op = "issue token"
	payload := map[string]any{"wallet_address": address}

	status, body, err := c.post(ctx, op, c.cfg.AuthBase+"/auth/generateToken", "", proxyURI, payload, c.cfg.RequestTimeout)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", &StatusError{Op: op, Code: status}
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", op, err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("%s: response carried no token", op)
	}
	return parsed.Token, nil
}

// Heartbeat sends a liveness ping. HTTP 410 means the session is gone and
// maps to HeartbeatSessionExpired; a 2xx body without success:true is still
// a failure, guarding against rejections disguised as success.
func (c *Client) Heartbeat(ctx context.Context, address, token, proxyURI string) (HeartbeatOutcome, error) {
	const op = "heartbeat"
	payload := map[string]any{
		"wallet_address": address,
		"timestamp":      time.Now().Unix(),
	}

	status, body, err := c.post(ctx, op, c.cfg.BeatBase+"/api/ping", token, proxyURI, payload, c.cfg.PingTimeout)
	if err != nil {
		return HeartbeatFailure, err
	}
	if status == http.StatusGone {
		return HeartbeatSessionExpired, ErrSessionExpired
	}
	if status < 200 || status > 299 {
		return HeartbeatFailure, &StatusError{Op: op, Code: status}
	}

	var parsed struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return HeartbeatFailure, &ServerRejectionError{Message: "unparseable response body"}
	}
	if !parsed.Success {
		return HeartbeatFailure, &ServerRejectionError{Message: parsed.Message}
	}
	return HeartbeatOK, nil
}

// ProtectionStatus queries the device's protection state. Transport and
// parse problems yield StateError; a response without a state field yields
// StateUnknown.
func (c *Client) ProtectionStatus(ctx context.Context, address, token, proxyURI string) ProtectionState {
	const op = "protection status"
	payload := map[string]any{"walletAddress": address}

	status, body, err := c.post(ctx, op, c.cfg.AuthBase+"/api/status", token, proxyURI, payload, c.cfg.RequestTimeout)
	if err != nil {
		slog.Debug("status call failed", "account", address, "error", err)
		return StateError
	}
	if status < 200 || status > 299 {
		return StateError
	}

	var parsed struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return StateError
	}
	if parsed.State == "" {
		return StateUnknown
	}
	return ProtectionState(parsed.State)
}

// Switch requests a device switch to the given state. Success is judged by
// sessionStarted on the response text, not the status code; the upstream
// service answers activation inconsistently and the substring is the only
// reliable signal.
func (c *Client) Switch(ctx context.Context, address string, deviceHash int64, token, proxyURI string, state SwitchState) (bool, error) {
	const op = "switch"
	payload := map[string]any{
		"walletAddress": address,
		"state":         string(state),
		"deviceHash":    deviceHash,
	}

	_, body, err := c.post(ctx, op, c.cfg.AuthBase+"/api/switch", token, proxyURI, payload, c.cfg.RequestTimeout)
	if err != nil {
		return false, err
	}
	return sessionStarted(body), nil
}

// sessionStarted is the single place activation success is decided.
// Deliberately loose: the origin service confirms activation with free-form
// text containing this phrase.
func sessionStarted(body []byte) bool {
	return strings.Contains(string(body), "Session started")
}

// post acquires a rate-limit permit, then issues one JSON POST through the
// proxy-specific HTTP client. It returns the status code and full body;
// network-level failures come back as *TransportError.
func (c *Client) post(ctx context.Context, op, rawURL, token, proxyURI string, payload any, timeout time.Duration) (int, []byte, error) {
	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	defer release()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: encode payload: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	applyHeaders(req.Header, c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient(proxyURI).Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &TransportError{Op: op, Err: err}
	}
	return resp.StatusCode, body, nil
}

// httpClient returns the cached client for a proxy, creating it on first
// use. Empty proxyURI means direct connection.
func (c *Client) httpClient(proxyURI string) *http.Client {
	c.clientMu.RLock()
	client, ok := c.clients[proxyURI]
	c.clientMu.RUnlock()
	if ok {
		return client
	}

	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	if client, ok := c.clients[proxyURI]; ok {
		return client
	}

	client = &http.Client{Transport: newTransport(proxyURI)}
	c.clients[proxyURI] = client
	return client
}

// newTransport builds a transport routed through the given proxy. SOCKS5
// proxies dial through golang.org/x/net/proxy; HTTP proxies use the
// standard Proxy hook. A malformed proxy URI falls back to direct.
func newTransport(proxyURI string) *http.Transport {
	tr := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ForceAttemptHTTP2:     false,
	}
	if proxyURI == "" {
		return tr
	}

	u, err := url.Parse(proxyURI)
	if err != nil {
		slog.Warn("unparseable proxy URI, connecting direct", "proxy", proxyURI, "error", err)
		return tr
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: 10 * time.Second})
		if err != nil {
			slog.Warn("socks5 dialer setup failed, connecting direct", "proxy", proxyURI, "error", err)
			return tr
		}
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
		}
	default:
		tr.Proxy = http.ProxyURL(u)
	}
	return tr
}

// Package report renders per-account status lines for the terminal.
// It is the only place the session engine talks to the user; everything
// else logs diagnostics through slog.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Severity classifies a status line.
type Severity int

const (
	Info Severity = iota
	Success
	Warn
	Error
)

// Sink receives status lines from the session engine. The engine never
// depends on what a Sink does with them.
type Sink interface {
	Report(actor, proxy string, sev Severity, msg string)
}

var (
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	actorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	proxyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Reporter writes colored status lines to a single writer.
type Reporter struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
	nowFn func() time.Time
}

// New creates a Reporter writing to out. Color is enabled only when out is
// a terminal and NO_COLOR is unset.
func New(out io.Writer) *Reporter {
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	return &Reporter{out: out, color: color, nowFn: time.Now}
}

// NewPlain creates a Reporter with color forced off.
func NewPlain(out io.Writer) *Reporter {
	return &Reporter{out: out, color: false, nowFn: time.Now}
}

// SetColor overrides automatic color detection.
func (r *Reporter) SetColor(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.color = on
}

// Report writes one status line: [HH:MM:SS] actor@proxy message.
func (r *Reporter) Report(actor, proxy string, sev Severity, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := fmt.Sprintf("[%s]", r.nowFn().Format("15:04:05"))
	who := MaskAccount(actor)
	via := "@" + ProxyLabel(proxy)

	if !r.color {
		fmt.Fprintf(r.out, "%s %s%s %s\n", ts, who, via, msg)
		return
	}

	fmt.Fprintf(r.out, "%s %s%s %s\n",
		timeStyle.Render(ts),
		actorStyle.Render(who),
		proxyStyle.Render(via),
		severityStyle(sev).Render(msg),
	)
}

func severityStyle(sev Severity) lipgloss.Style {
	switch sev {
	case Success:
		return successStyle
	case Warn:
		return warnStyle
	case Error:
		return errorStyle
	default:
		return infoStyle
	}
}

// MaskAccount shortens an address for display: first 6 and last 4 characters.
// Short identifiers (system actors, for example) pass through unchanged.
func MaskAccount(account string) string {
	if len(account) <= 10 {
		return account
	}
	return account[:6] + "****" + account[len(account)-4:]
}

// ProxyLabel returns the displayable part of a proxy URI: everything after
// the last '@' so credentials never reach the terminal. Empty means no proxy.
func ProxyLabel(proxy string) string {
	if proxy == "" {
		return "NoProxy"
	}
	if i := strings.LastIndex(proxy, "@"); i >= 0 {
		return proxy[i+1:]
	}
	return proxy
}

package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// printBanner writes the startup summary: version, account count, and the
// proxy pool in use.
func printBanner(w io.Writer, version string, accountCount, proxyCount int, mode string, color bool) {
	title := fmt.Sprintf("nnm %s", version)
	detail := fmt.Sprintf("%d account(s), proxy mode %s (%d proxies)", accountCount, mode, proxyCount)

	if color {
		title = bannerStyle.Render(title)
		detail = dimStyle.Render(detail)
	}
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, detail)
	fmt.Fprintln(w)
}

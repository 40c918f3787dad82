package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/nnm/internal/accounts"
	"github.com/Dicklesworthstone/nnm/internal/naoris"
	"github.com/Dicklesworthstone/nnm/internal/proxy"
	"github.com/Dicklesworthstone/nnm/internal/ratelimit"
	"github.com/Dicklesworthstone/nnm/internal/report"
	"github.com/Dicklesworthstone/nnm/internal/session"
)

// proxyMode selects where the proxy pool comes from.
type proxyMode string

const (
	proxyPublic  proxyMode = "public"
	proxyPrivate proxyMode = "private"
	proxyNone    proxyMode = "none"
)

func newRunCmd() *cobra.Command {
	var (
		modeFlag     string
		accountsFile string
		proxyFile    string
		noColor      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep sessions alive for every configured account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountsFile == "" {
				accountsFile = cfg.AccountsFile
			}
			if proxyFile == "" {
				proxyFile = cfg.Proxy.File
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			accts, err := accounts.Load(accountsFile)
			if err != nil {
				return fmt.Errorf("loading accounts from %s: %w", accountsFile, err)
			}

			mode, err := resolveProxyMode(modeFlag)
			if err != nil {
				return err
			}

			pool, err := buildPool(ctx, mode, proxyFile, cfg.Proxy.SourceURL)
			if err != nil {
				return err
			}

			printBanner(os.Stdout, Version, len(accts), pool.Size(), string(mode), !noColor)

			reporter := report.New(os.Stdout)
			if noColor {
				reporter.SetColor(false)
			}

			limiter := ratelimit.New(cfg.Rate.MaxConcurrent, cfg.Rate.MinInterval.Std())
			client := naoris.New(naoris.Config{
				AuthBase:       cfg.API.AuthBase,
				BeatBase:       cfg.API.BeatBase,
				RequestTimeout: cfg.API.RequestTimeout.Std(),
				PingTimeout:    cfg.API.PingTimeout.Std(),
			}, limiter)

			orch := session.NewOrchestrator(client, pool, reporter, sessionConfig())
			orch.Run(ctx, accts)

			fmt.Fprintln(os.Stdout, "shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&modeFlag, "proxy-mode", "", "proxy source: public, private, or none (prompts when omitted on a terminal)")
	cmd.Flags().StringVar(&accountsFile, "accounts", "", "accounts file (default from config)")
	cmd.Flags().StringVar(&proxyFile, "proxy-file", "", "proxy list file (default from config)")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

func sessionConfig() session.Config {
	s := cfg.Session
	return session.Config{
		HeartbeatInterval:    s.HeartbeatInterval.Std(),
		StatusRecheck:        s.StatusRecheck.Std(),
		TokenTTL:             s.TokenTTL.Std(),
		RefreshCheck:         s.RefreshCheck.Std(),
		AuthAttempts:         s.AuthAttempts,
		AuthRetryDelay:       s.AuthRetryDelay.Std(),
		ReauthWait:           s.ReauthWait.Std(),
		ActivationAttempts:   s.ActivationAttempts,
		ActivationRetryDelay: s.ActivationRetryDelay.Std(),
		ActivationFailWait:   s.ActivationFailWait.Std(),
		RenewalAttempts:      s.RenewalAttempts,
		CrashPause:           s.CrashPause.Std(),
	}
}

// resolveProxyMode turns the flag into a mode, falling back to an
// interactive prompt on a terminal and to none otherwise.
func resolveProxyMode(flag string) (proxyMode, error) {
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case string(proxyPublic):
		return proxyPublic, nil
	case string(proxyPrivate):
		return proxyPrivate, nil
	case string(proxyNone):
		return proxyNone, nil
	case "":
		if isatty.IsTerminal(os.Stdin.Fd()) {
			return promptProxyMode(os.Stdin, os.Stdout)
		}
		return proxyNone, nil
	default:
		return "", fmt.Errorf("unknown proxy mode %q (want public, private, or none)", flag)
	}
}

func promptProxyMode(in *os.File, out *os.File) (proxyMode, error) {
	fmt.Fprintln(out, "Proxy source:")
	fmt.Fprintln(out, "  1) public  - fetch a community proxy list")
	fmt.Fprintln(out, "  2) private - read proxies from the proxy file")
	fmt.Fprintln(out, "  3) none    - connect directly")
	fmt.Fprint(out, "Choose [1-3]: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading choice: %w", err)
	}
	switch strings.TrimSpace(line) {
	case "1":
		return proxyPublic, nil
	case "2":
		return proxyPrivate, nil
	case "3", "":
		return proxyNone, nil
	default:
		return "", fmt.Errorf("invalid choice %q", strings.TrimSpace(line))
	}
}

// buildPool assembles the proxy pool for the chosen mode. Public mode
// fetches the remote list and caches it in the proxy file, falling back to
// the cache when the fetch fails.
func buildPool(ctx context.Context, mode proxyMode, file, sourceURL string) (*proxy.Pool, error) {
	switch mode {
	case proxyNone:
		return proxy.New(nil), nil

	case proxyPrivate:
		list, err := proxy.LoadFile(file)
		if err != nil {
			return nil, fmt.Errorf("loading proxies from %s: %w", file, err)
		}
		pool := proxy.New(list)
		if pool.Size() == 0 {
			return nil, fmt.Errorf("proxy file %s has no usable entries", file)
		}
		return pool, nil

	case proxyPublic:
		list, err := proxy.Fetch(ctx, sourceURL)
		if err != nil {
			slog.Warn("proxy list fetch failed, trying cached file", "url", sourceURL, "error", err)
			list, err = proxy.LoadFile(file)
			if err != nil {
				return nil, fmt.Errorf("proxy fetch failed and no cached list at %s", file)
			}
		} else if err := proxy.SaveFile(file, list); err != nil {
			slog.Warn("caching proxy list failed", "file", file, "error", err)
		}
		pool := proxy.New(list)
		if pool.Size() == 0 {
			return nil, fmt.Errorf("no proxies available in %s mode", mode)
		}
		return pool, nil

	default:
		return nil, fmt.Errorf("unknown proxy mode %q", mode)
	}
}

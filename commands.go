package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"dropwatch/internal/logger"
)

// --- run ---

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor the product page and attempt a purchase when it is available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runMonitor(ctx, s.cfg, s.log)
		},
	}
	addOverrideFlags(cmd)
	cmd.Flags().String("email", "", "account email")
	cmd.Flags().String("password-encrypted", "", "encrypted password from encrypt-password")
	cmd.Flags().Bool("dry-run", false, "stop before placing the order")
	cmd.Flags().String("start-at", "", "start time, e.g. '2025-01-15 16:00' (UTC) or +45m")
	cmd.Flags().Int("start-before", 0, "minutes to start before --start-at")
	return cmd
}

func runMonitor(ctx context.Context, cfg *Config, log logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.RefreshIntervalSeconds < 10 {
		log.Warn("short refresh interval makes the traffic easier to flag", "seconds", cfg.RefreshIntervalSeconds)
	}
	startAt, err := cfg.StartTime(time.Now())
	if err != nil {
		return err
	}

	vault, err := openVault(cfg, log)
	if err != nil {
		return err
	}
	cred, err := ParseCredential(cfg.Email, cfg.EncryptedPassword)
	if err != nil {
		return err
	}

	policy := cfg.Policy()
	behavior := NewBehaviorProfile(cfg.BehaviorConfig(), nil)
	hints := behavior.LaunchHints()
	log.Info("starting monitor",
		"product", cfg.ProductURL,
		"interval", time.Duration(cfg.RefreshIntervalSeconds)*time.Second,
		"stealth", policy.Stealth,
		"anti_detection", policy.AntiDetection,
		"dry_run", cfg.DryRun)

	var clock Clock
	if cfg.Preflight || !startAt.IsZero() {
		client, err := newHTTPClient(cfg.PageLoadTimeoutDuration())
		if err != nil {
			log.Warn("http client unavailable, skipping preflight and clock sync", "error", err)
		} else {
			if cfg.Preflight {
				runPreflight(ctx, client, cfg, hints.Agent, log)
			}
			if !startAt.IsZero() {
				sc := NewServerClock(client, cfg.TimeServers, log)
				if err := sc.Sync(ctx); err != nil {
					log.Warn("clock sync failed, using local time", "error", err)
				}
				clock = sc
				log.Info("timed start",
					"at", startAt.Format(time.RFC3339),
					"in", startAt.Sub(sc.Now()).Round(time.Second),
					"synced", sc.IsSynced(),
					"offset", sc.Offset())
			}
		}
	}

	if ctx.Err() != nil {
		log.Info("stopped before launching the browser")
		return nil
	}

	automation, err := LaunchAutomation(ctx, AutomationOptions{
		Headless:           cfg.Headless,
		BrowserProfilePath: cfg.BrowserProfilePath,
		PageLoadTimeout:    cfg.PageLoadTimeoutDuration(),
		Hints:              hints,
	}, log)
	if err != nil {
		return &FatalError{Kind: FailureProvider, Err: err}
	}

	observer := NewPageObserver(automation, cfg.ProductURL, cfg.Selectors.Indicators, policy)
	auth := NewAuthenticator(AuthenticatorOptions{
		Provider: automation,
		Vault:    vault,
		Cred:     cred,
		LoginURL: cfg.LoginURL,
		Sel:      cfg.Selectors.Login,
		Observer: observer,
		Behavior: behavior,
		Log:      log,
	})
	purchaser := NewPurchaser(automation, cfg.Selectors.Checkout, observer, behavior, cfg.DryRun, log)

	monitor := NewMonitor(MonitorOptions{
		Provider:                   automation,
		Observer:                   observer,
		Behavior:                   behavior,
		Retry:                      cfg.RetryPolicy().WithJitter(behavior),
		Sessions:                   NewSessionStore(afero.NewOsFs(), cfg.CookieFilePath, log),
		Login:                      auth,
		Purchase:                   purchaser,
		Log:                        log,
		StopOnSuccess:              cfg.StopOnSuccess,
		ContinueAfterFailedAttempt: cfg.ContinueAfterFailedAttempt,
		SessionSaveEvery:           cfg.SessionSaveEvery,
		StartAt:                    startAt,
		Clock:                      clock,
	})
	return monitor.Run(ctx)
}

func runPreflight(ctx context.Context, client httpDoer, cfg *Config, agent string, log logger.Logger) {
	// Classification only; this observer never touches a provider.
	classifier := NewPageObserver(nil, cfg.ProductURL, cfg.Selectors.Indicators, cfg.Policy())
	res, err := Preflight(ctx, client, cfg.ProductURL, agent, classifier)
	if err != nil {
		log.Warn("preflight failed", "error", err)
		return
	}
	if res.Status >= 400 {
		log.Warn("product page returned an error status", "status", res.Status, "elapsed", res.Elapsed)
		return
	}
	log.Info("preflight", "status", res.Status, "availability", res.Availability, "signal", res.Signal, "elapsed", res.Elapsed)
}

// --- check ---

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the product page once and print how it classifies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			snap, err := checkOnce(ctx, s.cfg, s.log)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", snap.Availability, snap.RawSignal)
			return nil
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

// checkOnce runs the preflight probe and then a single browser observation,
// reusing the stored session when there is one.
func checkOnce(ctx context.Context, cfg *Config, log logger.Logger) (PageSnapshot, error) {
	if err := cfg.ValidateTarget(); err != nil {
		return PageSnapshot{}, err
	}

	behavior := NewBehaviorProfile(cfg.BehaviorConfig(), nil)
	hints := behavior.LaunchHints()

	if cfg.Preflight {
		if client, err := newHTTPClient(cfg.PageLoadTimeoutDuration()); err == nil {
			runPreflight(ctx, client, cfg, hints.Agent, log)
		} else {
			log.Warn("http client unavailable, skipping preflight", "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return PageSnapshot{}, err
	}

	automation, err := LaunchAutomation(ctx, AutomationOptions{
		Headless:           cfg.Headless,
		BrowserProfilePath: cfg.BrowserProfilePath,
		PageLoadTimeout:    cfg.PageLoadTimeoutDuration(),
		Hints:              hints,
	}, log)
	if err != nil {
		return PageSnapshot{}, &FatalError{Kind: FailureProvider, Err: err}
	}
	defer automation.Close()

	if state, ok := NewSessionStore(afero.NewOsFs(), cfg.CookieFilePath, log).Load(); ok {
		if err := automation.SetCookies(ctx, state.Cookies); err != nil {
			log.Warn("restoring session", "error", err)
		}
	}

	observer := NewPageObserver(automation, cfg.ProductURL, cfg.Selectors.Indicators, cfg.Policy())
	snap, err := observer.Observe(ctx, behavior.Next(1))
	if err != nil {
		return snap, &FatalError{Kind: ClassifyFailure(err), Cycle: 1, Err: err}
	}
	log.Info("observed", "availability", snap.Availability, "signal", snap.RawSignal)
	return snap, nil
}

// --- encrypt-password ---

func newEncryptPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-password",
		Short: "Encrypt a password read from stdin for the encrypted_password setting",
		Long: `Encrypt a password read from stdin for the encrypted_password setting.

The key comes from the OS keyring, a key file in key_dir, or the passphrase in
DROPWATCH_PASSPHRASE, and is created on first use.

Examples:
  echo -n 'hunter2' | dropwatch encrypt-password
  DROPWATCH_PASSPHRASE='correct horse' dropwatch encrypt-password < pw.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if f, ok := cmd.InOrStdin().(*os.File); ok && f == os.Stdin {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			}
			password, err := readSecretLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer wipe(password)

			vault, err := openVault(s.cfg, s.log)
			if err != nil {
				return err
			}
			blob, err := vault.EncryptToBlob(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), blob)
			return nil
		},
	}
}

// readSecretLine reads one line without the trailing newline.
func readSecretLine(r io.Reader) ([]byte, error) {
	reader := bufio.NewReader(r)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, &ConfigError{Field: "password", Reason: "nothing on stdin"}
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	if len(line) == 0 {
		return nil, &ConfigError{Field: "password", Reason: "empty"}
	}
	return line, nil
}

// --- clear-session ---

func newClearSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-session",
		Short: "Delete the stored session so the next run signs in again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			store := NewSessionStore(afero.NewOsFs(), s.cfg.CookieFilePath, s.log)
			if err := store.Invalidate(); err != nil {
				return err
			}
			s.log.Info("session cleared", "path", store.Path())
			return nil
		},
	}
	cmd.Flags().String("cookie-file", "", "session file path")
	return cmd
}

// --- flags ---

func addOverrideFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("url", "", "product page to monitor")
	f.Int("interval", 0, "seconds between checks")
	f.Bool("headless", false, "run the browser without a window")
	f.String("cookie-file", "", "session file path")
	f.Bool("enable-anti-detection", false, "enable anti-detection measures")
	f.Bool("randomize-user-agent", false, "pick a different user agent each cycle")
	f.Bool("randomize-window-size", false, "pick a different window size each cycle")
	f.Bool("random-delays", false, "jitter the delay between checks")
	f.Bool("stealth-mode", false, "enable every anti-detection measure")
}

// applyFlags copies the flags the user actually set over cfg.
func applyFlags(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()
	var errs []error

	str := func(name string, dst *string) {
		if f.Lookup(name) == nil || !f.Changed(name) {
			return
		}
		v, err := f.GetString(name)
		errs = append(errs, err)
		*dst = strings.TrimSpace(v)
	}
	boolean := func(name string, dst *bool) {
		if f.Lookup(name) == nil || !f.Changed(name) {
			return
		}
		v, err := f.GetBool(name)
		errs = append(errs, err)
		*dst = v
	}
	integer := func(name string, dst *int) {
		if f.Lookup(name) == nil || !f.Changed(name) {
			return
		}
		v, err := f.GetInt(name)
		errs = append(errs, err)
		*dst = v
	}

	str("url", &cfg.ProductURL)
	str("email", &cfg.Email)
	str("password-encrypted", &cfg.EncryptedPassword)
	str("cookie-file", &cfg.CookieFilePath)
	str("start-at", &cfg.StartAt)
	str("log-file", &cfg.LogFile)
	integer("interval", &cfg.RefreshIntervalSeconds)
	integer("start-before", &cfg.StartBeforeMinutes)
	boolean("headless", &cfg.Headless)
	boolean("dry-run", &cfg.DryRun)
	boolean("verbose", &cfg.Verbose)
	boolean("enable-anti-detection", &cfg.EnableAntiDetection)
	boolean("randomize-user-agent", &cfg.RandomizeUserAgent)
	boolean("randomize-window-size", &cfg.RandomizeWindowSize)
	boolean("random-delays", &cfg.RandomDelays)
	boolean("stealth-mode", &cfg.StealthMode)

	if err := errors.Join(errs...); err != nil {
		return &ConfigError{Field: "flags", Reason: err.Error()}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"dropwatch/internal/logger"
)

// AutomationOptions configures the browser the provider launches.
type AutomationOptions struct {
	Headless           bool
	BrowserProfilePath string
	PageLoadTimeout    time.Duration
	Hints              LaunchHints
}

// Automation is the rod-backed Provider: one browser, one page.
type Automation struct {
	opts     AutomationOptions
	log      logger.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

var _ Provider = (*Automation)(nil)

// LaunchAutomation starts Chrome and opens a blank page with the hinted
// fingerprint applied.
func LaunchAutomation(ctx context.Context, opts AutomationOptions, log logger.Logger) (*Automation, error) {
	if opts.PageLoadTimeout <= 0 {
		opts.PageLoadTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	a := &Automation{opts: opts, log: log}
	if err := a.setupBrowser(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Automation) setupBrowser(ctx context.Context) error {
	a.log.Info("launching browser", "headless", a.opts.Headless, "stealth", a.opts.Hints.Stealth)

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	a.launcher = launcher.New().
		Context(ctx).
		Leakless(useLeakless).
		Headless(a.opts.Headless)

	// Must be set before Bin() to be applied
	if a.opts.BrowserProfilePath != "" {
		a.launcher = a.launcher.UserDataDir(a.opts.BrowserProfilePath)
		a.log.Debug("browser profile", "path", a.opts.BrowserProfilePath)
	}

	if vp := a.opts.Hints.Viewport; vp.Width > 0 && vp.Height > 0 {
		a.launcher = a.launcher.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", vp.Width, vp.Height))
	}
	if a.opts.Hints.Stealth {
		a.launcher = a.launcher.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	}

	if chromePath, ok := launcher.LookPath(); ok {
		a.launcher = a.launcher.Bin(chromePath)
		a.log.Debug("using system chrome", "path", chromePath)
	} else {
		a.log.Info("system chrome not found, downloading chromium")
	}

	url, err := a.launcher.Launch()
	if err != nil {
		return launchError(err)
	}

	a.browser = rod.New().ControlURL(url)
	if err := a.browser.Connect(); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}

	if a.opts.Hints.Stealth {
		a.page, err = stealth.Page(a.browser)
		if err != nil {
			return fmt.Errorf("failed to create stealth page: %w", err)
		}
	} else {
		a.page, err = a.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return fmt.Errorf("failed to create page: %w", err)
		}
	}

	if agent := a.opts.Hints.Agent; agent != "" {
		if err := a.SetAgent(ctx, agent); err != nil {
			a.log.Warn("failed to set user agent", "error", err)
		}
	}
	if vp := a.opts.Hints.Viewport; vp.Width > 0 && vp.Height > 0 {
		if err := a.SetViewport(ctx, vp); err != nil {
			a.log.Warn("failed to set viewport", "error", err)
		}
	}

	a.log.Info("browser launched")
	return nil
}

// launchError turns the common launch failures into actionable messages.
func launchError(err error) error {
	errMsg := err.Error()
	if strings.Contains(errMsg, "Opening in existing browser session") ||
		strings.Contains(errMsg, "ProcessSingleton") ||
		strings.Contains(errMsg, "SingletonLock") {
		hint := "close every Chrome window and try again"
		switch runtime.GOOS {
		case "darwin":
			hint = "quit Chrome (or run: killall 'Google Chrome') and try again"
		case "windows":
			hint = "end all chrome.exe processes in Task Manager and try again"
		}
		return fmt.Errorf("browser profile is already in use by a running Chrome: %s: %w", hint, err)
	}

	if strings.Contains(errMsg, "Access is denied") || strings.Contains(errMsg, "permission denied") {
		return fmt.Errorf("browser download or launch was denied, check permissions on the rod cache and profile directories: %w", err)
	}

	return fmt.Errorf("failed to launch browser: %w", err)
}

func (a *Automation) isBrowserAlive() bool {
	if a.browser == nil {
		return false
	}

	if _, err := a.browser.Version(); err != nil {
		a.log.Debug("browser version check failed", "error", err)
		return false
	}

	if a.page != nil {
		if _, err := a.page.Info(); err != nil {
			a.log.Debug("page info check failed", "error", err)
			return false
		}
	}

	return true
}

// pageFor binds the page to ctx and the page load timeout. Callers must
// call done when the operation finishes.
func (a *Automation) pageFor(ctx context.Context) (p *rod.Page, done context.CancelFunc, err error) {
	if a.page == nil || !a.isBrowserAlive() {
		return nil, nil, errors.New("browser closed")
	}
	if a.opts.PageLoadTimeout > 0 {
		ctx, done = context.WithTimeout(ctx, a.opts.PageLoadTimeout)
	} else {
		ctx, done = context.WithCancel(ctx)
	}
	return a.page.Context(ctx), done, nil
}

func (a *Automation) Open(ctx context.Context, url string) error {
	p, done, err := a.pageFor(ctx)
	if err != nil {
		return err
	}
	defer done()
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}
	return nil
}

func (a *Automation) ReadPageContent(ctx context.Context) (string, error) {
	p, done, err := a.pageFor(ctx)
	if err != nil {
		return "", err
	}
	defer done()
	return p.HTML()
}

// PerformAction acts on the first element matching the selector list.
func (a *Automation) PerformAction(ctx context.Context, action Action) error {
	p, done, err := a.pageFor(ctx)
	if err != nil {
		return err
	}
	defer done()
	el, err := p.Element(action.Target)
	if err != nil {
		return fmt.Errorf("%s: element not found: %w", action, err)
	}

	switch action.Kind {
	case ActionClick:
		if err := el.ScrollIntoView(); err != nil {
			a.log.Debug("scroll into view failed", "target", action.Target, "error", err)
		}
		return el.Click(proto.InputMouseButtonLeft, 1)
	case ActionFill:
		if err := el.SelectAllText(); err != nil {
			a.log.Debug("select text failed", "target", action.Target, "error", err)
		}
		if action.Secret != nil {
			return typeSecret(el, action.Secret)
		}
		return el.Input(action.Text)
	}
	return fmt.Errorf("unsupported action %v", action.Kind)
}

// typeSecret enters the secret one rune at a time so no string holding the
// whole value is ever built. The first insert replaces the selected text.
func typeSecret(el *rod.Element, secret []byte) error {
	for len(secret) > 0 {
		r, size := utf8.DecodeRune(secret)
		if err := el.Input(string(r)); err != nil {
			return err
		}
		secret = secret[size:]
	}
	return nil
}

func (a *Automation) Cookies(ctx context.Context) ([]Cookie, error) {
	p, done, err := a.pageFor(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	raw, err := p.Cookies(nil)
	if err != nil {
		return nil, err
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Session && c.Expires > 0 {
			cookie.Expires = c.Expires.Time()
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (a *Automation) SetCookies(ctx context.Context, cookies []Cookie) error {
	p, done, err := a.pageFor(ctx)
	if err != nil {
		return err
	}
	defer done()

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		params = append(params, param)
	}
	return p.SetCookies(params)
}

func (a *Automation) SetViewport(ctx context.Context, v Viewport) error {
	p, done, err := a.pageFor(ctx)
	if err != nil {
		return err
	}
	defer done()
	return p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             v.Width,
		Height:            v.Height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}

func (a *Automation) SetAgent(ctx context.Context, agent string) error {
	p, done, err := a.pageFor(ctx)
	if err != nil {
		return err
	}
	defer done()
	return p.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: agent,
	})
}

// Close tears down page, browser and launcher. Safe to call more than once.
func (a *Automation) Close() error {
	var errs []error

	if a.page != nil {
		if err := a.page.Close(); err != nil {
			errs = append(errs, err)
		}
		a.page = nil
	}

	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		a.browser = nil
	}

	if a.launcher != nil {
		a.launcher.Cleanup()
		a.launcher = nil
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.log.Debug("browser closed")
	return nil
}

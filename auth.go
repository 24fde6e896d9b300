package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dropwatch/internal/logger"
)

// LoginSelectors locate the sign-in form controls.
type LoginSelectors struct {
	Email    string `yaml:"email"`
	Continue string `yaml:"continue"`
	Password string `yaml:"password"`
	Submit   string `yaml:"submit"`
}

func DefaultLoginSelectors() LoginSelectors {
	return LoginSelectors{
		Email:    "#ap_email",
		Continue: "#continue",
		Password: "#ap_password",
		Submit:   "#signInSubmit",
	}
}

// Authenticator signs in through the provider and captures the resulting
// session cookies.
type Authenticator struct {
	provider Provider
	vault    *Vault
	cred     Credential
	loginURL string
	sel      LoginSelectors
	observer *PageObserver
	behavior *BehaviorProfile
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
	log      logger.Logger
}

type AuthenticatorOptions struct {
	Provider Provider
	Vault    *Vault
	Cred     Credential
	LoginURL string
	Sel      LoginSelectors
	Observer *PageObserver
	Behavior *BehaviorProfile
	Sleep    func(context.Context, time.Duration) error
	Log      logger.Logger
}

func NewAuthenticator(opts AuthenticatorOptions) *Authenticator {
	a := &Authenticator{
		provider: opts.Provider,
		vault:    opts.Vault,
		cred:     opts.Cred,
		loginURL: opts.LoginURL,
		sel:      opts.Sel,
		observer: opts.Observer,
		behavior: opts.Behavior,
		sleep:    opts.Sleep,
		now:      time.Now,
		log:      opts.Log,
	}
	if a.sleep == nil {
		a.sleep = sleepContext
	}
	if a.log == nil {
		a.log = logger.NewNop()
	}
	return a
}

// Login submits the stored credential and returns the new session. The
// decrypted password exists only inside the fill step.
func (a *Authenticator) Login(ctx context.Context) (*SessionState, error) {
	a.log.Info("signing in")

	if err := a.provider.Open(ctx, a.loginURL); err != nil {
		return nil, &ObservationError{Op: "open login page", Err: err}
	}
	content, err := a.read(ctx)
	if err != nil {
		return nil, err
	}

	if hasElement(content, a.sel.Email) {
		if err := a.act(ctx, Action{Kind: ActionFill, Target: a.sel.Email, Text: a.cred.Identity}); err != nil {
			return nil, &LoginFailure{Reason: "enter email", Err: err}
		}
		if hasElement(content, a.sel.Continue) && !hasElement(content, a.sel.Password) {
			if err := a.act(ctx, Action{Kind: ActionClick, Target: a.sel.Continue}); err != nil {
				return nil, &LoginFailure{Reason: "continue", Err: err}
			}
			if content, err = a.read(ctx); err != nil {
				return nil, err
			}
		}
	}

	if hasElement(content, a.sel.Password) {
		err := a.vault.WithSecret(a.cred, func(secret []byte) error {
			return a.act(ctx, Action{Kind: ActionFill, Target: a.sel.Password, Secret: secret})
		})
		if err != nil {
			var decErr *DecryptionError
			if errors.As(err, &decErr) {
				return nil, err
			}
			return nil, &LoginFailure{Reason: "enter password", Err: err}
		}
		if err := a.act(ctx, Action{Kind: ActionClick, Target: a.sel.Submit}); err != nil {
			return nil, &LoginFailure{Reason: "submit", Err: err}
		}
		if content, err = a.read(ctx); err != nil {
			return nil, err
		}
	}

	if avail, signal := a.observer.Classify(content); avail == AvailabilityLoginRequired {
		return nil, &LoginFailure{Reason: "still on sign-in page (" + signal + ")"}
	}

	cookies, err := a.provider.Cookies(ctx)
	if err != nil {
		return nil, &LoginFailure{Reason: "capture cookies", Err: err}
	}
	if len(cookies) == 0 {
		return nil, &LoginFailure{Reason: "no session cookies after sign-in"}
	}

	a.log.Info("signed in", "cookies", len(cookies))
	return &SessionState{Cookies: cookies, CapturedAt: a.now()}, nil
}

// read returns the current page, failing on a challenge.
func (a *Authenticator) read(ctx context.Context) (string, error) {
	content, err := a.provider.ReadPageContent(ctx)
	if err != nil {
		return "", &ObservationError{Op: "read login page", Err: err}
	}
	if avail, signal := a.observer.Classify(content); avail == AvailabilityCaptcha {
		return "", &LoginFailure{Reason: "challenge during sign-in (" + signal + ")", Err: ErrChallengeDetected}
	}
	return content, nil
}

func (a *Authenticator) act(ctx context.Context, action Action) error {
	if a.behavior != nil {
		if err := a.sleep(ctx, a.behavior.ActionDelay()); err != nil {
			return err
		}
	}
	a.log.Debug("login step", "action", action)
	return a.provider.PerformAction(ctx, action)
}

// hasElement reports whether any selector in the comma list matches.
func hasElement(content, selector string) bool {
	if strings.TrimSpace(selector) == "" {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return false
	}
	return doc.Find(selector).Length() > 0
}

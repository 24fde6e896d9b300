package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/spf13/afero"
)

type loginFunc func(ctx context.Context) (*SessionState, error)

func (f loginFunc) Login(ctx context.Context) (*SessionState, error) { return f(ctx) }

type purchaseFunc func(ctx context.Context) (PurchaseResult, error)

func (f purchaseFunc) Attempt(ctx context.Context) (PurchaseResult, error) { return f(ctx) }

type harness struct {
	provider  *fakeProvider
	sessions  *SessionStore
	sleeps    *sleepRecorder
	states    []State
	logins    int
	purchases int
	opts      MonitorOptions
}

// newHarness wires a monitor around p. Login succeeds and, when afterLogin
// is given, switches the product script. Purchases succeed.
func newHarness(t *testing.T, p *fakeProvider, afterLogin ...step) *harness {
	t.Helper()
	h := &harness{
		provider: p,
		sessions: NewSessionStore(afero.NewMemMapFs(), "/state/session.json", nil),
		sleeps:   &sleepRecorder{},
		states:   []State{StateInit},
	}

	behavior := NewBehaviorProfile(BehaviorConfig{
		Policy:       BehaviorPolicy{RandomDelays: true},
		BaseInterval: time.Second,
		JitterRatio:  0.25,
		MinDelay:     100 * time.Millisecond,
	}, rand.NewSource(42))

	h.opts = MonitorOptions{
		Provider: p,
		Observer: NewPageObserver(p, p.productURL, DefaultIndicators(), behavior.Policy()),
		Behavior: behavior,
		Retry:    DefaultRetryPolicy(),
		Sessions: h.sessions,
		Login: loginFunc(func(ctx context.Context) (*SessionState, error) {
			h.logins++
			if len(afterLogin) > 0 {
				p.product = afterLogin
				p.productIdx = 0
			}
			return &SessionState{Cookies: p.cookies, CapturedAt: time.Now()}, nil
		}),
		Purchase: purchaseFunc(func(ctx context.Context) (PurchaseResult, error) {
			h.purchases++
			return PurchaseResult{Button: "#add-to-cart-button"}, nil
		}),
		StopOnSuccess:              true,
		ContinueAfterFailedAttempt: true,
		Sleep:                      h.sleeps.sleep,
		OnTransition: func(from, to State) {
			h.states = append(h.states, to)
		},
	}
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context) (*Monitor, error) {
	t.Helper()
	m := NewMonitor(h.opts)
	err := m.Run(ctx)
	if h.provider.closed != 1 {
		t.Errorf("Expected provider closed once, got %d", h.provider.closed)
	}
	if m.State() != StateStopped {
		t.Errorf("Expected STOPPED after Run, got %v", m.State())
	}
	return m, err
}

func (h *harness) storeSession(t *testing.T) {
	t.Helper()
	if err := h.sessions.Save(&SessionState{Cookies: h.provider.cookies, CapturedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func assertStates(t *testing.T, got []State, want ...State) {
	t.Helper()
	if len(got) < len(want) {
		t.Fatalf("Expected states to start with %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected states to start with %v, got %v", want, got)
		}
	}
}

func TestMonitorColdStartSequence(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageLoginWall})
	h := newHarness(t, p, step{content: pageAvailable})

	_, err := h.run(t, context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertStates(t, h.states, StateInit, StateAuthenticating, StatePolling, StateAttempting, StateStopped)
	if h.logins != 1 || h.purchases != 1 {
		t.Errorf("Expected one login and one purchase, got %d and %d", h.logins, h.purchases)
	}
	if _, ok := h.sessions.Load(); !ok {
		t.Error("Expected session saved after login")
	}
}

func TestMonitorRestockWithValidSession(t *testing.T) {
	p := newFakeProvider(testProductURL,
		step{content: pageUnavailable},
		step{content: pageUnavailable},
		step{content: pageUnavailable},
		step{content: pageAvailable},
	)
	h := newHarness(t, p)
	h.storeSession(t)

	m, err := h.run(t, context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.logins != 0 {
		t.Errorf("Expected no login with a valid session, got %d", h.logins)
	}
	if len(p.setCookies) != 1 {
		t.Errorf("Expected stored cookies restored once, got %d", len(p.setCookies))
	}
	if len(h.sleeps.slept) != 3 {
		t.Fatalf("Expected 3 sleeps between cycles, got %v", h.sleeps.slept)
	}
	for i, d := range h.sleeps.slept {
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Errorf("sleep %d: expected about 1s, got %v", i, d)
		}
	}
	if m.cycle != 4 {
		t.Errorf("Expected purchase attempt on cycle 4, got %d", m.cycle)
	}
	assertStates(t, h.states, StateInit, StatePolling, StatePolling, StatePolling, StatePolling, StateAttempting, StateStopped)
}

func TestMonitorChallengeEscalatesToStop(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageCaptcha})
	h := newHarness(t, p)
	h.storeSession(t)
	h.opts.Retry.Budgets[FailureChallenge] = 3

	m, err := h.run(t, context.Background())

	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("Expected FatalError, got %v", err)
	}
	if fatal.Kind != FailureChallenge {
		t.Errorf("Expected challenge kind, got %v", fatal.Kind)
	}
	if fatal.Cycle != 4 {
		t.Errorf("Expected stop on the 4th challenge, got cycle %d", fatal.Cycle)
	}
	if !errors.Is(err, ErrChallengeDetected) {
		t.Error("Expected the fatal error to wrap ErrChallengeDetected")
	}

	retries := 0
	for _, s := range h.states {
		if s == StateRecovering {
			retries++
		}
	}
	if retries != 4 {
		t.Errorf("Expected 4 visits to RECOVERING, got %d", retries)
	}
	if len(h.sleeps.slept) != 3 {
		t.Errorf("Expected 3 backoff sleeps, got %v", h.sleeps.slept)
	}
	for i := 1; i < len(h.sleeps.slept); i++ {
		if h.sleeps.slept[i] <= h.sleeps.slept[i-1] {
			t.Errorf("Expected growing backoff, got %v", h.sleeps.slept)
		}
	}

	records := m.Records()
	if last := records[len(records)-1]; last.Outcome != OutcomeFailedFatal || last.Kind != FailureChallenge {
		t.Errorf("Expected last record FAILED_FATAL challenge, got %+v", last)
	}
	if h.logins != 0 {
		t.Errorf("Challenges must not trigger a login, got %d", h.logins)
	}
}

func TestMonitorSessionExpiresMidRun(t *testing.T) {
	p := newFakeProvider(testProductURL,
		step{content: pageUnavailable},
		step{content: pageLoginWall},
	)
	h := newHarness(t, p, step{content: pageAvailable})
	h.storeSession(t)

	var invalidated bool
	h.opts.OnTransition = func(from, to State) {
		h.states = append(h.states, to)
		if to == StateRecovering {
			_, ok := h.sessions.Load()
			invalidated = !ok
		}
	}

	if _, err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !invalidated {
		t.Error("Expected stored session removed when the login wall appeared")
	}
	if h.logins != 1 {
		t.Errorf("Expected one re-login, got %d", h.logins)
	}
	if _, ok := h.sessions.Load(); !ok {
		t.Error("Expected new session saved after re-login")
	}
	assertStates(t, h.states,
		StateInit, StatePolling, StatePolling, StateRecovering,
		StateAuthenticating, StatePolling, StateAttempting, StateStopped)
}

func TestMonitorSignInWallDuringCheckout(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageAvailable})
	h := newHarness(t, p)
	h.storeSession(t)

	h.opts.Purchase = purchaseFunc(func(ctx context.Context) (PurchaseResult, error) {
		h.purchases++
		if h.purchases == 1 {
			return PurchaseResult{}, &ActionFailure{Step: "proceed to checkout", Err: fmt.Errorf("%w (#ap_email)", ErrLoginRequired)}
		}
		return PurchaseResult{Button: "#buy-now-button"}, nil
	})

	var invalidated bool
	h.opts.OnTransition = func(from, to State) {
		h.states = append(h.states, to)
		if to == StateRecovering {
			_, ok := h.sessions.Load()
			invalidated = !ok
		}
	}

	if _, err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !invalidated {
		t.Error("Expected stored session removed when checkout hit a sign-in wall")
	}
	if h.logins != 1 || h.purchases != 2 {
		t.Errorf("Expected one re-login and two purchase attempts, got %d and %d", h.logins, h.purchases)
	}
	assertStates(t, h.states,
		StateInit, StatePolling, StateAttempting, StateRecovering,
		StateAuthenticating, StatePolling, StateAttempting, StateStopped)
}

func TestMonitorStoredSessionSignedOut(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageLoginWall})
	h := newHarness(t, p, step{content: pageAvailable})
	h.storeSession(t)

	if _, err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertStates(t, h.states, StateInit, StateAuthenticating, StatePolling, StateAttempting)
	if h.logins != 1 {
		t.Errorf("Expected one login, got %d", h.logins)
	}
}

func TestMonitorNetworkErrorsRecoverWithoutLogin(t *testing.T) {
	p := newFakeProvider(testProductURL,
		step{err: errors.New("net::ERR_TIMED_OUT")},
		step{err: errors.New("net::ERR_CONNECTION_RESET")},
		step{content: pageAvailable},
	)
	h := newHarness(t, p)
	h.storeSession(t)

	if _, err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.logins != 0 {
		t.Errorf("Expected no login for network errors, got %d", h.logins)
	}
	if h.purchases != 1 {
		t.Errorf("Expected a purchase attempt, got %d", h.purchases)
	}
}

func TestMonitorCancellationStops(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageUnavailable})
	h := newHarness(t, p)
	h.storeSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.opts.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if _, err := h.run(t, ctx); err != nil {
		t.Errorf("Expected nil on cancellation, got %v", err)
	}
	if h.states[len(h.states)-1] != StateStopped {
		t.Errorf("Expected to end in STOPPED, got %v", h.states)
	}
}

func TestMonitorDecryptionIsFatal(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageAvailable})
	h := newHarness(t, p)
	h.opts.Login = loginFunc(func(ctx context.Context) (*SessionState, error) {
		return nil, &DecryptionError{Err: errors.New("message authentication failed")}
	})

	_, err := h.run(t, context.Background())
	var fatal *FatalError
	if !errors.As(err, &fatal) || fatal.Kind != FailureDecryption {
		t.Fatalf("Expected fatal decryption error, got %v", err)
	}
	if h.purchases != 0 {
		t.Error("Must not attempt a purchase without a session")
	}
}

func TestMonitorLoginFailureBudget(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageAvailable})
	h := newHarness(t, p)
	calls := 0
	h.opts.Login = loginFunc(func(ctx context.Context) (*SessionState, error) {
		calls++
		return nil, &LoginFailure{Reason: "still on sign-in page"}
	})

	_, err := h.run(t, context.Background())
	var fatal *FatalError
	if !errors.As(err, &fatal) || fatal.Kind != FailureLogin {
		t.Fatalf("Expected fatal login error, got %v", err)
	}
	if calls != DEF_LOGIN_BUDGET+1 {
		t.Errorf("Expected %d login attempts, got %d", DEF_LOGIN_BUDGET+1, calls)
	}
}

func TestMonitorFailedAttempt(t *testing.T) {
	tests := []struct {
		name          string
		continueOnErr bool
		wantFatal     bool
		wantAttempts  int
	}{
		{"continue monitoring", true, false, 3},
		{"stop on failure", false, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(testProductURL, step{content: pageAvailable})
			h := newHarness(t, p)
			h.storeSession(t)
			h.opts.ContinueAfterFailedAttempt = tt.continueOnErr

			attempts := 0
			h.opts.Purchase = purchaseFunc(func(ctx context.Context) (PurchaseResult, error) {
				attempts++
				if attempts < 3 {
					return PurchaseResult{}, &ActionFailure{Step: "place order", Err: errors.New("button vanished")}
				}
				return PurchaseResult{Button: "#buy-now-button"}, nil
			})

			_, err := h.run(t, context.Background())
			var fatal *FatalError
			if got := errors.As(err, &fatal); got != tt.wantFatal {
				t.Fatalf("Expected fatal=%v, got %v", tt.wantFatal, err)
			}
			if tt.wantFatal && fatal.Kind != FailureAction {
				t.Errorf("Expected action kind, got %v", fatal.Kind)
			}
			if attempts != tt.wantAttempts {
				t.Errorf("Expected %d attempts, got %d", tt.wantAttempts, attempts)
			}
		})
	}
}

func TestMonitorContinuesAfterSuccess(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageAvailable}, step{content: pageUnavailable}, step{content: pageAvailable})
	h := newHarness(t, p)
	h.storeSession(t)
	h.opts.StopOnSuccess = false

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.opts.Purchase = purchaseFunc(func(ctx context.Context) (PurchaseResult, error) {
		h.purchases++
		if h.purchases == 2 {
			cancel()
		}
		return PurchaseResult{}, nil
	})

	if _, err := h.run(t, ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.purchases != 2 {
		t.Errorf("Expected monitoring to continue after a success, got %d purchases", h.purchases)
	}
}

func TestMonitorRefreshesSession(t *testing.T) {
	p := newFakeProvider(testProductURL,
		step{content: pageUnavailable},
		step{content: pageUnavailable},
		step{content: pageAvailable},
	)
	h := newHarness(t, p)
	h.storeSession(t)
	h.opts.SessionSaveEvery = 2
	p.cookies = []Cookie{{Name: "session-id", Value: "rotated", Domain: ".shop.example"}}

	if _, err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stored, ok := h.sessions.Load()
	if !ok || len(stored.Cookies) != 1 || stored.Cookies[0].Value != "rotated" {
		t.Errorf("Expected refreshed cookies on disk, got %v", stored)
	}
}

func TestMonitorWaitsForStart(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageAvailable})
	h := newHarness(t, p)
	h.storeSession(t)

	clock := &fakeClock{now: time.Date(2026, 6, 1, 15, 55, 0, 0, time.UTC)}
	h.opts.Clock = clock
	h.opts.StartAt = time.Date(2026, 6, 1, 16, 0, 0, 0, time.UTC)
	h.opts.Sleep = func(ctx context.Context, d time.Duration) error {
		clock.now = clock.now.Add(d)
		h.sleeps.slept = append(h.sleeps.slept, d)
		return nil
	}

	if _, err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if clock.now.Before(h.opts.StartAt) {
		t.Errorf("Expected to start no earlier than %v, clock at %v", h.opts.StartAt, clock.now)
	}
	if len(h.sleeps.slept) != 5 {
		t.Errorf("Expected five one-minute waits, got %v", h.sleeps.slept)
	}
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// driftingClock loses drift every minute until it is synced again.
type driftingClock struct {
	fakeClock
	lastSync time.Time
	syncs    int
}

func (c *driftingClock) ShouldResync() bool {
	return c.now.Sub(c.lastSync) >= 2*time.Minute
}

func (c *driftingClock) Sync(ctx context.Context) error {
	c.syncs++
	c.lastSync = c.now
	return nil
}

func TestMonitorResyncsClockWhileWaiting(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageAvailable})
	h := newHarness(t, p)
	h.storeSession(t)

	start := time.Date(2026, 6, 1, 15, 55, 0, 0, time.UTC)
	clock := &driftingClock{fakeClock: fakeClock{now: start}, lastSync: start}
	h.opts.Clock = clock
	h.opts.StartAt = start.Add(5 * time.Minute)
	h.opts.Sleep = func(ctx context.Context, d time.Duration) error {
		clock.now = clock.now.Add(d)
		return nil
	}

	if _, err := h.run(t, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if clock.syncs != 2 {
		t.Errorf("Expected two resyncs over a five minute wait, got %d", clock.syncs)
	}
}

func TestConsecutiveResetsOnHealthyPoll(t *testing.T) {
	m := NewMonitor(MonitorOptions{Provider: newFakeProvider(testProductURL)})
	m.fail(StagePoll, ErrChallengeDetected)
	m.fail(StagePoll, errors.New("net::ERR_TIMED_OUT"))
	m.fail(StagePoll, ErrChallengeDetected)
	if got := m.consecutive(FailureChallenge); got != 2 {
		t.Errorf("Expected 2 challenges across a mixed run, got %d", got)
	}

	m.record(AttemptRecord{Stage: StageLogin, Outcome: OutcomeSuccess})
	if got := m.consecutive(FailureChallenge); got != 2 {
		t.Errorf("A login must not reset the challenge count, got %d", got)
	}

	m.record(AttemptRecord{Stage: StagePoll, Outcome: OutcomeSuccess})
	if got := m.consecutive(FailureChallenge); got != 0 {
		t.Errorf("Expected reset after a healthy poll, got %d", got)
	}
}

func TestAttemptRecordsAreCapped(t *testing.T) {
	m := NewMonitor(MonitorOptions{Provider: newFakeProvider(testProductURL)})
	for i := 0; i < maxAttemptRecords*3; i++ {
		m.record(AttemptRecord{Stage: StagePoll, Outcome: OutcomeSuccess})
	}
	if n := len(m.Records()); n > maxAttemptRecords {
		t.Errorf("Expected at most %d records, got %d", maxAttemptRecords, n)
	}
}

func TestMonitorFullStack(t *testing.T) {
	p := newFakeProvider(testProductURL, step{content: pageLoginWall})
	p.pages[testLoginURL] = pageLoginWall
	login := loginFlow(step{content: pageUnavailable}, step{content: pageAvailable})
	p.onAction = func(f *fakeProvider, a Action) error {
		if err := login(f, a); err != nil {
			return err
		}
		return shopFlow(f, a)
	}

	h := newHarness(t, p)
	auth, _ := newTestAuthenticator(t, p)
	h.opts.Login = auth
	h.opts.Purchase = newTestPurchaser(p, false)

	m, err := h.run(t, context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertStates(t, h.states, StateInit, StateAuthenticating, StatePolling, StatePolling, StateAttempting, StateStopped)
	if m.purchased != 1 {
		t.Errorf("Expected one completed purchase, got %d", m.purchased)
	}
	if p.current != pageConfirmation {
		t.Errorf("Expected to finish on the confirmation page, got %q", p.current)
	}
	if _, ok := h.sessions.Load(); !ok {
		t.Error("Expected session persisted after sign-in")
	}
}

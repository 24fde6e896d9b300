package main

import (
	"context"
	"fmt"
	"time"

	"dropwatch/internal/logger"
)

type State int

const (
	StateInit State = iota
	StateAuthenticating
	StatePolling
	StateAttempting
	StateRecovering
	StateStopped
)

var stateNames = [...]string{"INIT", "AUTHENTICATING", "POLLING", "ATTEMPTING", "RECOVERING", "STOPPED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailedTransient
	OutcomeFailedFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailedTransient:
		return "FAILED_TRANSIENT"
	case OutcomeFailedFatal:
		return "FAILED_FATAL"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Stage is where in the cycle a record was taken.
type Stage int

const (
	StagePoll Stage = iota
	StageLogin
	StagePurchase
)

// AttemptRecord feeds the failure counters and the exit summary. Records are
// kept in memory only.
type AttemptRecord struct {
	Cycle   int
	Stage   Stage
	Outcome Outcome
	Kind    FailureKind
	Reason  string
}

const maxAttemptRecords = 512

// LoginFlow establishes a fresh authenticated session.
type LoginFlow interface {
	Login(ctx context.Context) (*SessionState, error)
}

// PurchaseFlow attempts a purchase from the loaded product page.
type PurchaseFlow interface {
	Attempt(ctx context.Context) (PurchaseResult, error)
}

// Clock is the time source for the timed start.
type Clock interface {
	Now() time.Time
}

// resyncingClock is a Clock that can correct its drift while the monitor
// waits for the start window.
type resyncingClock interface {
	Clock
	ShouldResync() bool
	Sync(ctx context.Context) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type MonitorOptions struct {
	Provider Provider
	Observer *PageObserver
	Behavior *BehaviorProfile
	Retry    RetryPolicy
	Sessions *SessionStore
	Login    LoginFlow
	Purchase PurchaseFlow
	Log      logger.Logger

	StopOnSuccess              bool
	ContinueAfterFailedAttempt bool
	// SessionSaveEvery re-captures cookies after this many healthy polls.
	// Zero disables it.
	SessionSaveEvery int

	// StartAt delays INIT until this instant on Clock.
	StartAt time.Time
	Clock   Clock

	// Sleep replaces the cancellable wait used between cycles.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnTransition observes every state change.
	OnTransition func(from, to State)
}

// Monitor runs the watch loop for one product on one browsing session.
type Monitor struct {
	provider Provider
	observer *PageObserver
	behavior *BehaviorProfile
	retry    RetryPolicy
	sessions *SessionStore
	login    LoginFlow
	purchase PurchaseFlow
	log      logger.Logger

	stopOnSuccess    bool
	continueOnFail   bool
	sessionSaveEvery int
	startAt          time.Time
	clock            Clock
	sleep            func(context.Context, time.Duration) error
	onTransition     func(from, to State)

	state     State
	session   *SessionState
	needLogin bool
	cycle     int
	params    BehaviorParameters
	pending   *observation
	lastErr   error
	sinceSave int

	records   []AttemptRecord
	attempts  int
	purchased int
	failures  map[FailureKind]int
}

type observation struct {
	snap PageSnapshot
	err  error
}

func NewMonitor(opts MonitorOptions) *Monitor {
	m := &Monitor{
		provider:         opts.Provider,
		observer:         opts.Observer,
		behavior:         opts.Behavior,
		retry:            opts.Retry,
		sessions:         opts.Sessions,
		login:            opts.Login,
		purchase:         opts.Purchase,
		log:              opts.Log,
		stopOnSuccess:    opts.StopOnSuccess,
		continueOnFail:   opts.ContinueAfterFailedAttempt,
		sessionSaveEvery: opts.SessionSaveEvery,
		startAt:          opts.StartAt,
		clock:            opts.Clock,
		sleep:            opts.Sleep,
		onTransition:     opts.OnTransition,
		failures:         make(map[FailureKind]int),
	}
	if m.log == nil {
		m.log = logger.NewNop()
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	if m.clock == nil {
		m.clock = systemClock{}
	}
	if m.retry.Budgets == nil {
		m.retry = DefaultRetryPolicy()
	}
	return m
}

// Run drives the state machine until it stops. Cancelling ctx is a normal
// stop and returns nil; an unrecoverable failure returns *FatalError. The
// provider is closed either way.
func (m *Monitor) Run(ctx context.Context) error {
	defer func() {
		if err := m.provider.Close(); err != nil {
			m.log.Warn("closing browser", "error", err)
		}
		m.logSummary()
	}()

	m.state = StateInit
	if err := m.waitForStart(ctx); err != nil {
		m.transition(StateStopped)
		return nil
	}

	for m.state != StateStopped {
		if ctx.Err() != nil {
			m.transition(StateStopped)
			return nil
		}

		var (
			next State
			err  error
		)
		switch m.state {
		case StateInit:
			next = m.init(ctx)
		case StateAuthenticating:
			next = m.authenticate(ctx)
		case StatePolling:
			next = m.poll(ctx)
		case StateAttempting:
			next, err = m.attempt(ctx)
		case StateRecovering:
			next, err = m.recover(ctx)
		}

		if ctx.Err() != nil {
			m.transition(StateStopped)
			return nil
		}
		if err != nil {
			m.log.Error("monitor stopped", "kind", ClassifyFailure(err), "cycle", m.cycle, "error", err)
			m.transition(StateStopped)
			return err
		}
		m.transition(next)
	}
	return nil
}

func (m *Monitor) waitForStart(ctx context.Context) error {
	if m.startAt.IsZero() {
		return nil
	}
	rc, canResync := m.clock.(resyncingClock)
	for {
		if canResync && rc.ShouldResync() {
			if err := rc.Sync(ctx); err != nil {
				m.log.Warn("clock resync failed", "error", err)
			}
		}
		remaining := m.startAt.Sub(m.clock.Now())
		if remaining <= 0 {
			return nil
		}
		m.log.Info("waiting for start window", "remaining", remaining.Round(time.Second))
		if remaining > time.Minute {
			remaining = time.Minute
		}
		if err := m.sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func (m *Monitor) init(ctx context.Context) State {
	state, ok := m.sessions.Load()
	if !ok {
		m.log.Info("no stored session")
		m.needLogin = true
		return StateAuthenticating
	}

	if err := m.provider.SetCookies(ctx, state.Cookies); err != nil {
		m.log.Warn("could not restore session cookies", "error", err)
		m.needLogin = true
		return StateAuthenticating
	}
	m.session = state
	m.log.Info("restored session", "session", state, "age", state.Age(m.clock.Now()).Round(time.Second))

	snap, err := m.observe(ctx)
	if err == nil && snap.Availability == AvailabilityLoginRequired {
		m.log.Info("stored session is signed out")
		m.dropSession()
		return StateAuthenticating
	}
	m.pending = &observation{snap: snap, err: err}
	return StatePolling
}

func (m *Monitor) authenticate(ctx context.Context) State {
	if !m.needLogin {
		return StatePolling
	}

	session, err := m.login.Login(ctx)
	if err != nil {
		return m.failed(ctx, StageLogin, err)
	}
	m.record(AttemptRecord{Stage: StageLogin, Outcome: OutcomeSuccess})
	m.session = session
	m.needLogin = false
	m.sinceSave = 0
	if err := m.sessions.Save(session); err != nil {
		m.log.Warn("could not save session", "error", err)
	}
	return StatePolling
}

func (m *Monitor) poll(ctx context.Context) State {
	var obs observation
	if m.pending != nil {
		obs, m.pending = *m.pending, nil
	} else {
		obs.snap, obs.err = m.observe(ctx)
	}
	if obs.err != nil {
		return m.failed(ctx, StagePoll, obs.err)
	}

	snap := obs.snap
	m.log.Debug("observed", "cycle", m.cycle, "availability", snap.Availability, "signal", snap.RawSignal)

	switch snap.Availability {
	case AvailabilityCaptcha:
		return m.failed(ctx, StagePoll, fmt.Errorf("%w: %s", ErrChallengeDetected, snap.RawSignal))
	case AvailabilityLoginRequired:
		m.dropSession()
		return m.failed(ctx, StagePoll, fmt.Errorf("%w: %s", ErrLoginRequired, snap.RawSignal))
	}

	m.record(AttemptRecord{Stage: StagePoll, Outcome: OutcomeSuccess, Reason: snap.Availability.String()})
	m.refreshSession(ctx)

	if snap.Availability == AvailabilityAvailable {
		m.log.Info("item available", "cycle", m.cycle, "signal", snap.RawSignal)
		return StateAttempting
	}

	m.log.Info("item not available", "cycle", m.cycle, "availability", snap.Availability, "next_check", m.params.Delay.Round(time.Millisecond))
	if err := m.sleep(ctx, m.params.Delay); err != nil {
		return StateStopped
	}
	return StatePolling
}

func (m *Monitor) attempt(ctx context.Context) (State, error) {
	m.attempts++
	res, err := m.purchase.Attempt(ctx)
	if err == nil {
		m.purchased++
		m.record(AttemptRecord{Stage: StagePurchase, Outcome: OutcomeSuccess, Reason: res.Button})
		m.log.Info("purchase attempt succeeded", "cycle", m.cycle, "button", res.Button, "dry_run", res.DryRun)
		if m.stopOnSuccess {
			return StateStopped, nil
		}
		return m.resume(ctx), nil
	}
	if ctx.Err() != nil {
		return StateStopped, nil
	}

	switch ClassifyFailure(err) {
	case FailureChallenge:
		return m.failed(ctx, StagePurchase, err), nil
	case FailureSessionExpired:
		m.dropSession()
		return m.failed(ctx, StagePurchase, err), nil
	}

	m.fail(StagePurchase, err)
	if !m.continueOnFail {
		return StateStopped, m.fatal(FailureAction, err)
	}
	if d := m.retry.ShouldRetry(m.consecutive(FailureAction), FailureAction); d.Stop {
		return StateStopped, m.fatal(FailureAction, err)
	}
	return m.resume(ctx), nil
}

// resume waits out the cycle delay and goes back to polling.
func (m *Monitor) resume(ctx context.Context) State {
	if err := m.sleep(ctx, m.params.Delay); err != nil {
		return StateStopped
	}
	return StatePolling
}

func (m *Monitor) recover(ctx context.Context) (State, error) {
	kind := ClassifyFailure(m.lastErr)
	n := m.consecutive(kind)

	d := m.retry.ShouldRetry(n, kind)
	if d.Stop {
		return StateStopped, m.fatal(kind, m.lastErr)
	}

	m.log.Warn("recovering", "kind", kind, "consecutive", n, "retry_in", d.RetryAfter.Round(time.Millisecond), "error", m.lastErr)
	if err := m.sleep(ctx, d.RetryAfter); err != nil {
		return StateStopped, nil
	}
	return StateAuthenticating, nil
}

func (m *Monitor) observe(ctx context.Context) (PageSnapshot, error) {
	m.cycle++
	m.params = m.behavior.Next(m.cycle)

	if m.params.Detour != "" {
		m.log.Debug("browsing detour", "url", m.params.Detour)
		if err := m.observer.Detour(ctx, m.params.Detour); err != nil {
			m.log.Warn("detour failed", "error", err)
		} else if err := m.sleep(ctx, m.behavior.ActionDelay()); err != nil {
			return PageSnapshot{}, err
		}
	}
	return m.observer.Observe(ctx, m.params)
}

// refreshSession re-captures cookies every sessionSaveEvery healthy polls so
// a restart resumes with the freshest state.
func (m *Monitor) refreshSession(ctx context.Context) {
	if m.sessionSaveEvery <= 0 || m.session == nil {
		return
	}
	m.sinceSave++
	if m.sinceSave < m.sessionSaveEvery {
		return
	}
	m.sinceSave = 0

	cookies, err := m.provider.Cookies(ctx)
	if err != nil || len(cookies) == 0 {
		m.log.Debug("skipping session refresh", "error", err)
		return
	}
	fresh := &SessionState{Cookies: cookies, CapturedAt: time.Now()}
	if err := m.sessions.Save(fresh); err != nil {
		m.log.Warn("could not save session", "error", err)
		return
	}
	m.session = fresh
}

func (m *Monitor) dropSession() {
	m.session = nil
	m.needLogin = true
	if err := m.sessions.Invalidate(); err != nil {
		m.log.Warn("could not remove stored session", "error", err)
	}
}

// failed records a transient failure and routes to recovery, unless the
// failure is just the run being cancelled.
func (m *Monitor) failed(ctx context.Context, stage Stage, err error) State {
	if ctx.Err() != nil {
		return StateStopped
	}
	m.fail(stage, err)
	return StateRecovering
}

func (m *Monitor) fail(stage Stage, err error) {
	kind := ClassifyFailure(err)
	m.lastErr = err
	m.failures[kind]++
	m.record(AttemptRecord{Stage: stage, Outcome: OutcomeFailedTransient, Kind: kind, Reason: err.Error()})
	m.log.Warn("cycle failed", "cycle", m.cycle, "kind", kind, "error", err)
}

func (m *Monitor) fatal(kind FailureKind, err error) *FatalError {
	if n := len(m.records); n > 0 && m.records[n-1].Outcome != OutcomeSuccess {
		m.records[n-1].Outcome = OutcomeFailedFatal
	}
	return &FatalError{Kind: kind, Cycle: m.cycle, Err: err}
}

func (m *Monitor) record(r AttemptRecord) {
	r.Cycle = m.cycle
	if len(m.records) >= maxAttemptRecords {
		m.records = append(m.records[:0], m.records[len(m.records)/2:]...)
	}
	m.records = append(m.records, r)
}

// consecutive counts failures of kind since the last healthy poll. Purchase
// failures only reset on a successful purchase, since a healthy poll is
// what leads to every purchase attempt.
func (m *Monitor) consecutive(kind FailureKind) int {
	n := 0
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Outcome == OutcomeSuccess {
			if kind == FailureAction && r.Stage == StagePurchase {
				break
			}
			if kind != FailureAction && r.Stage == StagePoll {
				break
			}
			continue
		}
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func (m *Monitor) transition(to State) {
	from := m.state
	m.state = to
	if from != to {
		m.log.Debug("state", "from", from, "to", to, "cycle", m.cycle)
	}
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

func (m *Monitor) logSummary() {
	kv := []any{"cycles", m.cycle, "attempts", m.attempts, "purchased", m.purchased}
	for kind, n := range m.failures {
		kv = append(kv, "failed_"+kind.String(), n)
	}
	m.log.Info("run summary", kv...)
}

// Records returns a copy of the attempt history.
func (m *Monitor) Records() []AttemptRecord {
	return append([]AttemptRecord(nil), m.records...)
}

func (m *Monitor) State() State { return m.state }

package main

import (
	"math/rand"
	"time"
)

// BehaviorPolicy is the set of anti-detection capabilities in force. Only
// BehaviorProfile and PageObserver read it.
type BehaviorPolicy struct {
	AntiDetection     bool
	RandomizeAgent    bool
	RandomizeViewport bool
	RandomDelays      bool
	Stealth           bool
}

// Normalize applies the rule that stealth turns on everything else.
func (p BehaviorPolicy) Normalize() BehaviorPolicy {
	if p.Stealth {
		return BehaviorPolicy{
			AntiDetection:     true,
			RandomizeAgent:    true,
			RandomizeViewport: true,
			RandomDelays:      true,
			Stealth:           true,
		}
	}
	return p
}

var defaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
}

var (
	defaultViewport = Viewport{Width: 1920, Height: 1080}
	viewportMin     = Viewport{Width: 1200, Height: 800}
	viewportMax     = Viewport{Width: 1920, Height: 1080}
)

// BehaviorConfig holds the ranges BehaviorProfile samples from.
type BehaviorConfig struct {
	Policy BehaviorPolicy

	// BaseInterval is the nominal time between polls.
	BaseInterval time.Duration
	// JitterRatio scales BaseInterval multiplicatively: delays fall in
	// [base*(1-r), base*(1+r)].
	JitterRatio float64
	// MinDelay is a hard floor under every sampled delay.
	MinDelay time.Duration

	Agents       []string
	DefaultAgent string
	Viewport     Viewport

	// DetourURLs are neutral pages visited every 8-12 cycles when
	// anti-detection is on.
	DetourURLs []string
}

// BehaviorParameters is what one cycle is allowed to look like. It is a value:
// every call to Next returns a fresh one.
type BehaviorParameters struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Delay       time.Duration
	JitterRatio float64
	Viewport    Viewport
	Agent       string
	// Detour is a page to visit before the product page, or empty.
	Detour string
}

// LaunchHints is the fingerprint a provider starts with.
type LaunchHints struct {
	Stealth  bool
	Viewport Viewport
	Agent    string
}

type BehaviorProfile struct {
	cfg        BehaviorConfig
	policy     BehaviorPolicy
	rand       *rand.Rand
	nextDetour int
}

func NewBehaviorProfile(cfg BehaviorConfig, src rand.Source) *BehaviorProfile {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 30 * time.Second
	}
	if cfg.JitterRatio < 0 {
		cfg.JitterRatio = 0
	}
	if cfg.JitterRatio > 0.9 {
		cfg.JitterRatio = 0.9
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 500 * time.Millisecond
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = defaultAgents
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = cfg.Agents[0]
	}
	if cfg.Viewport.Width <= 0 || cfg.Viewport.Height <= 0 {
		cfg.Viewport = defaultViewport
	}

	b := &BehaviorProfile{
		cfg:    cfg,
		policy: cfg.Policy.Normalize(),
		rand:   rand.New(src),
	}
	b.nextDetour = b.detourGap()
	return b
}

func (b *BehaviorProfile) Policy() BehaviorPolicy { return b.policy }

// Next returns the parameters for cycle. With a policy that randomizes
// nothing, every call returns the same value.
func (b *BehaviorProfile) Next(cycle int) BehaviorParameters {
	base := b.cfg.BaseInterval
	p := BehaviorParameters{
		MinDelay: base,
		MaxDelay: base,
		Delay:    base,
		Viewport: b.cfg.Viewport,
		Agent:    b.cfg.DefaultAgent,
	}

	if b.policy.RandomDelays {
		r := b.cfg.JitterRatio
		p.JitterRatio = r
		p.MinDelay = time.Duration(float64(base) * (1 - r))
		p.MaxDelay = time.Duration(float64(base) * (1 + r))
		p.Delay = time.Duration(float64(base) * (1 + r*(2*b.rand.Float64()-1)))
	}
	if p.MinDelay < b.cfg.MinDelay {
		p.MinDelay = b.cfg.MinDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	p.Delay = clampDuration(p.Delay, p.MinDelay, p.MaxDelay)

	if b.policy.RandomizeViewport {
		p.Viewport = Viewport{
			Width:  viewportMin.Width + b.rand.Intn(viewportMax.Width-viewportMin.Width+1),
			Height: viewportMin.Height + b.rand.Intn(viewportMax.Height-viewportMin.Height+1),
		}
	}
	if b.policy.RandomizeAgent {
		p.Agent = b.cfg.Agents[b.rand.Intn(len(b.cfg.Agents))]
	}

	// Detours are drawn from the RNG, so they follow random delays.
	if b.policy.AntiDetection && b.policy.RandomDelays && len(b.cfg.DetourURLs) > 0 && cycle >= b.nextDetour {
		p.Detour = b.cfg.DetourURLs[b.rand.Intn(len(b.cfg.DetourURLs))]
		b.nextDetour = cycle + b.detourGap()
	}

	return p
}

// Jitter spreads d by up to ±ratio. Without random delays d comes back as is.
func (b *BehaviorProfile) Jitter(d time.Duration, ratio float64) time.Duration {
	if !b.policy.RandomDelays || ratio <= 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 + ratio*(2*b.rand.Float64()-1)))
}

// ActionDelay is the pause before a click or keystroke burst.
func (b *BehaviorProfile) ActionDelay() time.Duration {
	if !b.policy.RandomDelays {
		return 900 * time.Millisecond
	}
	timeoutMs := 700 + b.rand.Intn(400) // Random 700-1100ms
	return time.Duration(timeoutMs) * time.Millisecond
}

// LaunchHints samples the fingerprint for a new browser session.
func (b *BehaviorProfile) LaunchHints() LaunchHints {
	p := b.Next(0)
	return LaunchHints{
		Stealth:  b.policy.AntiDetection,
		Viewport: p.Viewport,
		Agent:    p.Agent,
	}
}

func (b *BehaviorProfile) detourGap() int {
	return 8 + b.rand.Intn(5)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

type Availability int

// The zero value is Unknown, so a snapshot always carries a classification.
const (
	AvailabilityUnknown Availability = iota
	AvailabilityAvailable
	AvailabilityUnavailable
	AvailabilityCaptcha
	AvailabilityLoginRequired
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAvailable:
		return "AVAILABLE"
	case AvailabilityUnavailable:
		return "UNAVAILABLE"
	case AvailabilityCaptcha:
		return "CAPTCHA"
	case AvailabilityLoginRequired:
		return "LOGIN_REQUIRED"
	}
	return "UNKNOWN"
}

// PageSnapshot is one classified read of the product page.
type PageSnapshot struct {
	Availability Availability
	// RawSignal names the indicator that decided the classification.
	RawSignal  string
	ObservedAt time.Time
}

// Indicators are the page markers the observer classifies on. Selectors are
// CSS; texts are matched case-insensitively.
type Indicators struct {
	ChallengeSelectors   []string `yaml:"challenge_selectors"`
	ChallengeTexts       []string `yaml:"challenge_texts"`
	LoginSelectors       []string `yaml:"login_selectors"`
	LoginTexts           []string `yaml:"login_texts"`
	AvailableSelectors   []string `yaml:"available_selectors"`
	UnavailableSelectors []string `yaml:"unavailable_selectors"`
	UnavailableTexts     []string `yaml:"unavailable_texts"`
}

func DefaultIndicators() Indicators {
	return Indicators{
		ChallengeSelectors: []string{
			"form[action*='validateCaptcha']",
			"#captchacharacters",
			"img[src*='captcha']",
		},
		ChallengeTexts: []string{
			"enter the characters you see below",
			"type the characters you see in this image",
			"sorry, we just need to make sure you're not a robot",
			"unusual traffic",
			"bot check",
			"robot_check",
			"validatecaptcha",
		},
		LoginSelectors: []string{
			"form[name='signIn']",
			"#ap_email",
			"#ap_password",
		},
		LoginTexts: []string{
			"sign in to your account",
			"hello, sign in",
		},
		AvailableSelectors: []string{
			"#preorder-button",
			"#submit\\.preorder",
			"#buy-now-button",
			"#add-to-cart-button",
			"#buybox-see-all-buying-choices",
		},
		UnavailableSelectors: []string{
			"#outOfStock",
		},
		UnavailableTexts: []string{
			"currently unavailable",
			"out of stock",
			"sign up to be notified when this item becomes available",
			"temporarily out of stock",
		},
	}
}

// PageObserver reads and classifies the product page through the provider.
type PageObserver struct {
	provider   Provider
	productURL string
	indicators Indicators
	policy     BehaviorPolicy
	now        func() time.Time

	viewport Viewport
	agent    string
}

func NewPageObserver(provider Provider, productURL string, indicators Indicators, policy BehaviorPolicy) *PageObserver {
	return &PageObserver{
		provider:   provider,
		productURL: productURL,
		indicators: indicators,
		policy:     policy.Normalize(),
		now:        time.Now,
	}
}

// Observe loads the product page once and classifies it. Provider faults
// come back as *ObservationError next to an UNKNOWN snapshot.
func (o *PageObserver) Observe(ctx context.Context, params BehaviorParameters) (PageSnapshot, error) {
	snap := PageSnapshot{Availability: AvailabilityUnknown}

	if err := o.applyFingerprint(ctx, params); err != nil {
		snap.ObservedAt = o.now()
		return snap, err
	}

	if err := o.provider.Open(ctx, o.productURL); err != nil {
		snap.ObservedAt = o.now()
		return snap, &ObservationError{Op: "open", Err: err}
	}
	content, err := o.provider.ReadPageContent(ctx)
	snap.ObservedAt = o.now()
	if err != nil {
		return snap, &ObservationError{Op: "read", Err: err}
	}

	snap.Availability, snap.RawSignal = o.Classify(content)
	return snap, nil
}

// Detour visits an unrelated page the way a browsing shopper would.
func (o *PageObserver) Detour(ctx context.Context, url string) error {
	if err := o.provider.Open(ctx, url); err != nil {
		return &ObservationError{Op: "detour", Err: err}
	}
	return nil
}

func (o *PageObserver) applyFingerprint(ctx context.Context, params BehaviorParameters) error {
	if o.policy.RandomizeViewport && params.Viewport != o.viewport && params.Viewport.Width > 0 {
		if err := o.provider.SetViewport(ctx, params.Viewport); err != nil {
			return &ObservationError{Op: "viewport", Err: err}
		}
		o.viewport = params.Viewport
	}
	if o.policy.RandomizeAgent && params.Agent != o.agent && params.Agent != "" {
		if err := o.provider.SetAgent(ctx, params.Agent); err != nil {
			return &ObservationError{Op: "agent", Err: err}
		}
		o.agent = params.Agent
	}
	return nil
}

// Classify applies CAPTCHA > LOGIN_REQUIRED > AVAILABLE > UNAVAILABLE > UNKNOWN.
// Anything behind a wall is not trusted, whatever else the page shows.
func (o *PageObserver) Classify(content string) (Availability, string) {
	if strings.TrimSpace(content) == "" {
		return AvailabilityUnknown, "empty page"
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return AvailabilityUnknown, fmt.Sprintf("unparseable page: %v", err)
	}
	raw := strings.ToLower(content)
	text := strings.ToLower(doc.Text())

	if sig, ok := firstSelector(doc, o.indicators.ChallengeSelectors); ok {
		return AvailabilityCaptcha, sig
	}
	if sig, ok := firstText(raw, o.indicators.ChallengeTexts); ok {
		return AvailabilityCaptcha, sig
	}

	if sig, ok := firstSelector(doc, o.indicators.LoginSelectors); ok {
		return AvailabilityLoginRequired, sig
	}
	if sig, ok := firstText(text, o.indicators.LoginTexts); ok {
		return AvailabilityLoginRequired, sig
	}

	if sig, ok := firstEnabled(doc, o.indicators.AvailableSelectors); ok {
		return AvailabilityAvailable, sig
	}

	if sig, ok := firstSelector(doc, o.indicators.UnavailableSelectors); ok {
		return AvailabilityUnavailable, sig
	}
	if sig, ok := firstText(text, o.indicators.UnavailableTexts); ok {
		return AvailabilityUnavailable, sig
	}

	return AvailabilityUnknown, ""
}

func firstSelector(doc *goquery.Document, selectors []string) (string, bool) {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return sel, true
		}
	}
	return "", false
}

// firstEnabled ignores controls that are present but disabled.
func firstEnabled(doc *goquery.Document, selectors []string) (string, bool) {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		found := false
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if _, disabled := s.Attr("disabled"); disabled {
				return true
			}
			if v, _ := s.Attr("aria-disabled"); v == "true" {
				return true
			}
			found = true
			return false
		})
		if found {
			return sel, true
		}
	}
	return "", false
}

func firstText(haystack string, needles []string) (string, bool) {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(haystack, n) {
			return n, true
		}
	}
	return "", false
}

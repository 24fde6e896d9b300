package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"dropwatch/internal/logger"
)

type CheckoutSelectors struct {
	// BuyButtons are tried in order; the first enabled one is clicked.
	BuyButtons   []string `yaml:"buy_buttons"`
	ProceedToPay string   `yaml:"proceed_to_checkout"`
	PlaceOrder   string   `yaml:"place_order"`
	SuccessTexts []string `yaml:"success_texts"`
}

func DefaultCheckoutSelectors() CheckoutSelectors {
	return CheckoutSelectors{
		BuyButtons: []string{
			"#preorder-button",
			"#submit\\.preorder",
			"#buy-now-button",
			"#add-to-cart-button",
		},
		ProceedToPay: "#sc-buy-box-ptc-button, input[name='proceedToRetailCheckout']",
		PlaceOrder:   "#submitOrderButtonId, input[name='placeYourOrder1']",
		SuccessTexts: []string{"order placed", "thank you", "order confirmation"},
	}
}

// PurchaseResult describes a completed attempt.
type PurchaseResult struct {
	Button string
	DryRun bool
}

// Purchaser drives the buy flow from an already loaded product page.
type Purchaser struct {
	provider Provider
	sel      CheckoutSelectors
	observer *PageObserver
	behavior *BehaviorProfile
	dryRun   bool
	sleep    func(context.Context, time.Duration) error
	rand     *rand.Rand
	log      logger.Logger

	// stepAttempts bounds retries of a single click on network errors.
	stepAttempts int
}

func NewPurchaser(provider Provider, sel CheckoutSelectors, observer *PageObserver, behavior *BehaviorProfile, dryRun bool, log logger.Logger) *Purchaser {
	if log == nil {
		log = logger.NewNop()
	}
	return &Purchaser{
		provider:     provider,
		sel:          sel,
		observer:     observer,
		behavior:     behavior,
		dryRun:       dryRun,
		sleep:        sleepContext,
		rand:         rand.New(rand.NewSource(time.Now().UnixNano())),
		log:          log,
		stepAttempts: 3,
	}
}

// Attempt clicks through to an order. In dry-run mode it stops short of
// placing it. Every failure is an *ActionFailure.
func (p *Purchaser) Attempt(ctx context.Context) (PurchaseResult, error) {
	var res PurchaseResult

	content, err := p.page(ctx, "read product page")
	if err != nil {
		return res, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return res, &ActionFailure{Step: "parse product page", Err: err}
	}
	button, ok := firstEnabled(doc, p.sel.BuyButtons)
	if !ok {
		return res, &ActionFailure{Step: "find purchase control", Err: errors.New("no enabled purchase control on page")}
	}
	res.Button = button

	p.log.Info("purchase control found", "selector", button)
	if err := p.click(ctx, "click "+button, button); err != nil {
		return res, err
	}

	if content, err = p.page(ctx, "read after purchase click"); err != nil {
		return res, err
	}
	if hasElement(content, p.sel.ProceedToPay) {
		if err := p.click(ctx, "proceed to checkout", p.sel.ProceedToPay); err != nil {
			return res, err
		}
		if content, err = p.page(ctx, "read checkout page"); err != nil {
			return res, err
		}
	}

	if p.dryRun {
		p.log.Warn("dry run, not placing order")
		res.DryRun = true
		return res, nil
	}

	if !hasElement(content, p.sel.PlaceOrder) {
		return res, &ActionFailure{Step: "find place-order control", Err: errors.New("checkout page has no place-order control")}
	}
	if err := p.click(ctx, "place order", p.sel.PlaceOrder); err != nil {
		return res, err
	}

	if content, err = p.page(ctx, "read confirmation"); err != nil {
		return res, err
	}
	lower := strings.ToLower(content)
	for _, s := range p.sel.SuccessTexts {
		if s != "" && strings.Contains(lower, strings.ToLower(s)) {
			p.log.Info("order confirmed", "marker", s)
			return res, nil
		}
	}
	return res, &ActionFailure{Step: "verify order", Err: errors.New("no confirmation on page")}
}

// page reads the current page. A challenge or a sign-in wall mid-checkout is
// reported as such so the monitor can recover from it.
func (p *Purchaser) page(ctx context.Context, step string) (string, error) {
	content, err := p.provider.ReadPageContent(ctx)
	if err != nil {
		return "", &ActionFailure{Step: step, Err: err}
	}
	switch avail, signal := p.observer.Classify(content); avail {
	case AvailabilityCaptcha:
		return "", &ActionFailure{Step: step, Err: fmt.Errorf("%w (%s)", ErrChallengeDetected, signal)}
	case AvailabilityLoginRequired:
		return "", &ActionFailure{Step: step, Err: fmt.Errorf("%w (%s)", ErrLoginRequired, signal)}
	}
	return content, nil
}

// click retries on network errors only, with a short randomized pause.
func (p *Purchaser) click(ctx context.Context, step, selector string) error {
	var err error
	for attempt := 1; attempt <= p.stepAttempts; attempt++ {
		if p.behavior != nil {
			if serr := p.sleep(ctx, p.behavior.ActionDelay()); serr != nil {
				return &ActionFailure{Step: step, Err: serr}
			}
		}

		err = p.provider.PerformAction(ctx, Action{Kind: ActionClick, Target: selector})
		if err == nil {
			return nil
		}
		if !isNetworkError(err) || ctx.Err() != nil {
			break
		}

		delay := time.Duration(500+p.rand.Intn(1000)) * time.Millisecond // 500-1500ms
		p.log.Warn("purchase step failed, retrying", "step", step, "attempt", attempt, "delay", delay, "error", err)
		if serr := p.sleep(ctx, delay); serr != nil {
			return &ActionFailure{Step: step, Err: serr}
		}
	}
	return &ActionFailure{Step: step, Err: err}
}

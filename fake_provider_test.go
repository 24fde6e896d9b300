package main

import (
	"context"
	"time"
)

const (
	pageAvailable = `<html><body>
<div id="availability"><span>In Stock</span></div>
<input id="add-to-cart-button" type="submit" value="Add to Cart">
<input id="buy-now-button" type="submit" value="Buy Now">
</body></html>`

	pagePreorder = `<html><body><span id="preorder-button"><input type="submit" value="Pre-order now"></span></body></html>`

	pageUnavailable = `<html><body>
<div id="availability"><span class="a-color-price">Currently unavailable.</span></div>
<p>We don't know when or if this item will be back in stock.</p>
</body></html>`

	pageDisabledButton = `<html><body>
<input id="add-to-cart-button" type="submit" disabled>
<div id="outOfStock">Temporarily out of stock.</div>
</body></html>`

	pageCaptcha = `<html><body>
<form method="get" action="/errors/validateCaptcha">
<h4>Enter the characters you see below</h4>
<input id="captchacharacters" name="field-keywords">
</form></body></html>`

	pageCaptchaAndBuy = `<html><body>
<form action="/errors/validateCaptcha"><input id="captchacharacters"></form>
<input id="buy-now-button" type="submit">
</body></html>`

	pageLoginWall = `<html><body>
<form name="signIn" method="post"><input id="ap_email" type="email"><input id="continue" type="submit"></form>
</body></html>`

	pageLoginPassword = `<html><body>
<form name="signIn" method="post"><input id="ap_password" type="password"><input id="signInSubmit" type="submit"></form>
</body></html>`

	pageHome = `<html><body><span id="nav-link-accountList">Hello, Pat</span></body></html>`

	pageCart = `<html><body><input id="sc-buy-box-ptc-button" type="submit" value="Proceed to checkout"></body></html>`

	pageCheckout = `<html><body><input id="submitOrderButtonId" type="submit" value="Place your order"></body></html>`

	pageConfirmation = `<html><body><h1>Order placed, thank you!</h1></body></html>`

	pageUnknown = `<html><body><h1>Something else entirely</h1></body></html>`
)

type step struct {
	content string
	err     error
}

// fakeProvider is a scripted single-tab browser. Each Open of the product
// URL consumes one step; the last step repeats. Other URLs serve fixed
// pages. onAction may swap the current page to model form submissions.
type fakeProvider struct {
	productURL string
	product    []step
	pages      map[string]string

	onAction func(f *fakeProvider, a Action) error

	current    string
	productIdx int

	opened     []string
	actions    []Action
	secrets    [][]byte
	cookies    []Cookie
	setCookies [][]Cookie
	viewports  []Viewport
	agents     []string
	cookiesErr error
	closed     int
}

func newFakeProvider(productURL string, product ...step) *fakeProvider {
	return &fakeProvider{
		productURL: productURL,
		product:    product,
		pages:      map[string]string{},
		cookies: []Cookie{
			{Name: "session-id", Value: "s-1", Domain: ".shop.example", Path: "/"},
			{Name: "at-main", Value: "a-1", Domain: ".shop.example", Path: "/", HTTPOnly: true},
		},
	}
}

func (f *fakeProvider) Open(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.opened = append(f.opened, url)
	if url != f.productURL {
		f.current = f.pages[url]
		return nil
	}
	if len(f.product) == 0 {
		f.current = pageUnknown
		return nil
	}
	s := f.product[min(f.productIdx, len(f.product)-1)]
	f.productIdx++
	if s.err != nil {
		return s.err
	}
	f.current = s.content
	return nil
}

func (f *fakeProvider) ReadPageContent(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.current, nil
}

func (f *fakeProvider) PerformAction(ctx context.Context, a Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.Secret != nil {
		// keep the slice itself so tests can see it was wiped
		f.secrets = append(f.secrets, a.Secret)
		a.Text = string(a.Secret)
	}
	f.actions = append(f.actions, a)
	if f.onAction != nil {
		return f.onAction(f, a)
	}
	return nil
}

func (f *fakeProvider) Cookies(ctx context.Context) ([]Cookie, error) {
	if f.cookiesErr != nil {
		return nil, f.cookiesErr
	}
	return append([]Cookie(nil), f.cookies...), nil
}

func (f *fakeProvider) SetCookies(ctx context.Context, cookies []Cookie) error {
	f.setCookies = append(f.setCookies, cookies)
	return nil
}

func (f *fakeProvider) SetViewport(ctx context.Context, v Viewport) error {
	f.viewports = append(f.viewports, v)
	return nil
}

func (f *fakeProvider) SetAgent(ctx context.Context, agent string) error {
	f.agents = append(f.agents, agent)
	return nil
}

func (f *fakeProvider) Close() error {
	f.closed++
	return nil
}

func (f *fakeProvider) productOpens() int {
	n := 0
	for _, u := range f.opened {
		if u == f.productURL {
			n++
		}
	}
	return n
}

// loginFlow models a two-step sign-in: email, continue, password, submit.
// After submit the browser lands on home and the product pages switch to
// afterLogin.
func loginFlow(afterLogin ...step) func(f *fakeProvider, a Action) error {
	return func(f *fakeProvider, a Action) error {
		switch a.Target {
		case "#continue":
			f.current = pageLoginPassword
		case "#signInSubmit":
			f.current = pageHome
			if len(afterLogin) > 0 {
				f.product = afterLogin
				f.productIdx = 0
			}
		}
		return nil
	}
}

// sleepRecorder replaces the monitor's sleep and returns immediately.
type sleepRecorder struct {
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}

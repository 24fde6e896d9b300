package main

import (
	"context"
	"fmt"
	"io"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// httpDoer is the slice of tls_client.HttpClient the probes use.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// newHTTPClient returns a client whose TLS handshake looks like Chrome's.
func newHTTPClient(timeout time.Duration) (tls_client.HttpClient, error) {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(timeout / time.Second)),
		tls_client.WithClientProfile(profiles.Chrome_120),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
	}
	return tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
}

var browserHeaderOrder = []string{
	"accept",
	"accept-language",
	"user-agent",
	"upgrade-insecure-requests",
}

func browserHeaders(agent string) http.Header {
	h := http.Header{
		"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
		"Accept-Language":           {"en-US,en;q=0.9"},
		"User-Agent":                {agent},
		"Upgrade-Insecure-Requests": {"1"},
	}
	h[http.HeaderOrderKey] = browserHeaderOrder
	return h
}

// maxPreflightBody caps how much of the page the probe reads.
const maxPreflightBody = 4 << 20

type PreflightResult struct {
	Status       int
	Availability Availability
	Signal       string
	Elapsed      time.Duration
}

// Preflight fetches the product page once without the browser so a dead URL
// or an outright block shows up before Chrome is launched.
func Preflight(ctx context.Context, client httpDoer, url, agent string, observer *PageObserver) (PreflightResult, error) {
	var res PreflightResult

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return res, err
	}
	req.Header = browserHeaders(agent)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return res, &ObservationError{Op: "preflight", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPreflightBody))
	res.Elapsed = time.Since(start)
	res.Status = resp.StatusCode
	if err != nil {
		return res, &ObservationError{Op: "preflight read", Err: err}
	}

	if resp.StatusCode >= 400 {
		res.Availability = AvailabilityUnknown
		res.Signal = fmt.Sprintf("http %d", resp.StatusCode)
		return res, nil
	}

	res.Availability, res.Signal = observer.Classify(string(body))
	return res, nil
}

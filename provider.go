package main

import (
	"context"
	"fmt"
	"time"
)

// Provider is the single exclusive browsing session the monitor drives.
// Calls are never issued concurrently.
type Provider interface {
	Open(ctx context.Context, url string) error
	ReadPageContent(ctx context.Context) (string, error)
	PerformAction(ctx context.Context, action Action) error
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	SetViewport(ctx context.Context, v Viewport) error
	SetAgent(ctx context.Context, agent string) error
	Close() error
}

type ActionKind int

const (
	ActionClick ActionKind = iota
	ActionFill
)

func (k ActionKind) String() string {
	switch k {
	case ActionClick:
		return "click"
	case ActionFill:
		return "fill"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action targets the first element matching a CSS selector list.
type Action struct {
	Kind   ActionKind
	Target string
	// Text is typed into the element for ActionFill.
	Text string
	// Secret replaces Text when set. The caller owns and wipes it.
	Secret []byte
}

func (a Action) String() string {
	// Text may be an email address
	return a.Kind.String() + " " + a.Target
}

// Cookie is one entry of a persisted session.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

func (c Cookie) String() string {
	return fmt.Sprintf("%s@%s=<redacted>", c.Name, c.Domain)
}

type Viewport struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

func (v Viewport) String() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}

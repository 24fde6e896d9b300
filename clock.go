package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	http "github.com/bogdanfinn/fhttp"

	"dropwatch/internal/logger"
)

var defaultTimeServers = []string{
	"https://www.google.com",
	"https://www.cloudflare.com",
	"https://www.amazon.com",
}

// ServerClock is local time corrected by the average offset reported by a
// few well-known servers' Date headers.
type ServerClock struct {
	client   httpDoer
	servers  []string
	log      logger.Logger
	now      func() time.Time
	offset   time.Duration
	lastSync time.Time
	synced   bool
}

func NewServerClock(client httpDoer, servers []string, log logger.Logger) *ServerClock {
	if len(servers) == 0 {
		servers = defaultTimeServers
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &ServerClock{client: client, servers: servers, log: log, now: time.Now}
}

// Sync asks every server for its time. It succeeds if at least one answers.
func (c *ServerClock) Sync(ctx context.Context) error {
	var total time.Duration
	ok := 0

	for _, server := range c.servers {
		offset, err := c.serverOffset(ctx, server)
		if err != nil {
			c.log.Debug("time sync failed", "server", server, "error", err)
			continue
		}
		total += offset
		ok++
		c.log.Debug("time offset", "server", server, "offset", offset)
	}

	if ok == 0 {
		return errors.New("failed to sync time with any server")
	}

	c.offset = total / time.Duration(ok)
	c.lastSync = c.now()
	c.synced = true
	c.log.Info("clock synchronized", "offset", c.offset)
	return nil
}

func (c *ServerClock) serverOffset(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}

	before := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	after := c.now()

	date := resp.Header.Get("Date")
	if date == "" {
		return 0, fmt.Errorf("no Date header in response")
	}
	serverTime, err := time.Parse(time.RFC1123, date)
	if err != nil {
		return 0, fmt.Errorf("failed to parse Date header: %w", err)
	}

	return clockOffset(before, after, serverTime), nil
}

// clockOffset assumes the server stamped its reply halfway through the round
// trip.
func clockOffset(before, after, server time.Time) time.Duration {
	latency := after.Sub(before) / 2
	return server.Sub(before.Add(latency))
}

// Now is local time until the first successful Sync.
func (c *ServerClock) Now() time.Time {
	if !c.synced {
		return c.now()
	}
	return c.now().Add(c.offset)
}

func (c *ServerClock) Offset() time.Duration { return c.offset }

func (c *ServerClock) IsSynced() bool { return c.synced }

// ShouldResync reports whether the last sync is more than an hour old.
func (c *ServerClock) ShouldResync() bool {
	if !c.synced {
		return true
	}
	return c.now().Sub(c.lastSync) > time.Hour
}

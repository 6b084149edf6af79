package main

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/netron/internal/netron"
	"github.com/danmuck/netron/internal/tasks"
)

// calculator is the context published when demo mode is on.
type calculator struct {
	mu      sync.Mutex
	Label   string
	Version string `netron:"readonly"`
	total   float64
}

func (c *calculator) Add(a, b float64) float64 { return a + b }

func (c *calculator) Accumulate(v float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += v
	return c.total
}

func (c *calculator) Reset() {
	c.mu.Lock()
	c.total = 0
	c.mu.Unlock()
}

func installDemo(n *netron.Node) error {
	if _, err := n.AttachContext(&calculator{Label: n.ID(), Version: "1"}, "calc"); err != nil {
		return err
	}
	return n.AddTask("ping", func(_ context.Context, call tasks.Call) (any, error) {
		return map[string]any{
			"node": n.ID(),
			"from": call.PeerID,
			"at":   time.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	})
}

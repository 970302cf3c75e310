// Package dev is a loopback transport for local development and demos.
// It pairs instantly (qr -> authenticated -> ready) and accepts every send.
// Nothing in it talks to a real provider.
package dev

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"zapgw/internal/transport"
)

type Dialer struct {
	// PairDelay spaces out the synthetic pairing events so the state
	// machine's intermediate states are observable. Defaults to 100ms.
	PairDelay time.Duration
}

func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) Dial(ctx context.Context, tenantID string) (transport.Client, error) {
	delay := d.PairDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &client{
		tenantID: tenantID,
		delay:    delay,
		events:   make(chan transport.Event, 8),
		done:     make(chan struct{}),
	}, nil
}

type client struct {
	tenantID string
	delay    time.Duration
	events   chan transport.Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *client) Connect(ctx context.Context) error {
	// The goroutine owns the events channel: it closes it once Close fires,
	// never before, so a completed pairing does not read as a disconnect.
	go func() {
		defer close(c.events)
		seq := []transport.Event{
			{Kind: transport.EventQR, Code: fmt.Sprintf("dev-pair-%s-%s", c.tenantID, uuid.NewString()[:8])},
			{Kind: transport.EventAuth},
			{Kind: transport.EventReady},
		}
		for _, ev := range seq {
			select {
			case <-c.done:
				return
			case <-time.After(c.delay):
			}
			select {
			case <-c.done:
				return
			case c.events <- ev:
			}
		}
		<-c.done
	}()
	return nil
}

func (c *client) Disconnect(ctx context.Context) error { return nil }

func (c *client) Ping(ctx context.Context) error { return nil }

func (c *client) SendMessage(ctx context.Context, recipient string, payload transport.Payload) error {
	select {
	case <-c.done:
		return &transport.SendError{Kind: transport.KindTransient, Msg: "client closed"}
	default:
		return nil
	}
}

func (c *client) Events() <-chan transport.Event { return c.events }

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

package wire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocapkernel/kernel/internal/domain"
)

// Client drives one Codec as a vatworker.Worker: the ready handshake,
// one-outstanding-delivery-at-a-time discipline, and teardown. Concrete
// transports (vsockproc, pipeproc) construct a Client once they have a
// connected io.ReadWriteCloser; they differ only in how that connection and the
// worker process/VM came to exist.
type Client struct {
	codec *Codec
	close func() error

	mu      sync.Mutex
	ready   chan struct{}
	readyOnce sync.Once
	readyErr error
	closed  bool
}

// NewClient wraps codec as a Worker. closeFn additionally tears down
// whatever owns the underlying connection (a spawned process, a dialed
// socket); it is called at most once.
func NewClient(codec *Codec, closeFn func() error) *Client {
	c := &Client{codec: codec, close: closeFn, ready: make(chan struct{})}
	go c.readLoop()
	return c
}

// readLoop is unused by the simple request/response protocol this worker
// speaks (one Deliver blocks for its own reply) except to catch the single
// unsolicited MsgReady the worker sends once at startup; Deliver/Ping each
// do their own synchronous Send+Receive pair under mu.
func (c *Client) readLoop() {
	env, err := c.codec.Receive()
	if err != nil {
		c.readyOnce.Do(func() { c.readyErr = fmt.Errorf("wire: handshake: %w", err); close(c.ready) })
		return
	}
	if env.Type != MsgReady {
		c.readyOnce.Do(func() {
			c.readyErr = fmt.Errorf("wire: expected ready handshake, got %q", env.Type)
			close(c.ready)
		})
		return
	}
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) AwaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver sends one Envelope and blocks for its reply. Only one Deliver may
// be outstanding at a time (mu enforces this); the router is the only
// caller and already serializes per vat, but a concurrent Ping must not
// interleave with it on the wire.
func (c *Client) Deliver(ctx context.Context, d domain.Delivery) (domain.DeliveryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.codec.Send(&Envelope{Type: MsgDeliver, Delivery: &d}); err != nil {
		return domain.DeliveryResult{}, err
	}
	type reply struct {
		env *Envelope
		err error
	}
	done := make(chan reply, 1)
	go func() {
		env, err := c.codec.Receive()
		done <- reply{env, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return domain.DeliveryResult{}, r.err
		}
		if r.env.Type != MsgResult || r.env.Result == nil {
			return domain.DeliveryResult{}, fmt.Errorf("wire: expected result envelope, got %q", r.env.Type)
		}
		return *r.env.Result, nil
	case <-ctx.Done():
		return domain.DeliveryResult{}, ctx.Err()
	}
}

func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.codec.Send(&Envelope{Type: MsgPing}); err != nil {
		return err
	}
	type reply struct {
		env *Envelope
		err error
	}
	done := make(chan reply, 1)
	go func() {
		env, err := c.codec.Receive()
		done <- reply{env, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		if r.env.Type != MsgPong {
			return fmt.Errorf("wire: expected pong, got %q", r.env.Type)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("wire: ping timed out")
	}
}

func (c *Client) Terminate(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	_ = c.codec.Send(&Envelope{Type: MsgStop})
	c.mu.Unlock()

	if c.close != nil {
		return c.close()
	}
	return nil
}

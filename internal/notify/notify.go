// Package notify delivers one-time codes through a caller-supplied Sender.
//
// Deliveries run on a bounded worker pool behind a token bucket so a burst
// of challenges cannot overrun the downstream SMS or email provider. The
// plaintext code only ever lives in the queued Message.
package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	xrate "golang.org/x/time/rate"
)

var (
	// ErrQueueFull is returned when the delivery queue cannot accept a message.
	ErrQueueFull = errors.New("notify queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notify dispatcher closed")
)

// Channel names the delivery medium.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Message is one OTP delivery.
type Message struct {
	// Reference correlates the delivery-status callback with the challenge.
	Reference   string
	PrincipalID string
	MethodID    string
	Channel     Channel
	Destination string
	Code        string
	ExpiresAt   time.Time
}

// Sender performs the actual delivery.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Config controls the dispatcher.
type Config struct {
	Workers    int
	BufferSize int
	// PerSecond and Burst configure the provider token bucket. Zero PerSecond
	// disables the bucket.
	PerSecond   float64
	Burst       int
	SendTimeout time.Duration
}

// Dispatcher queues messages and delivers them asynchronously.
type Dispatcher struct {
	cfg     Config
	sender  Sender
	limiter *xrate.Limiter
	logger  *zap.Logger

	ch        chan Message
	done      chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	sent      atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher starts cfg.Workers delivery goroutines.
func NewDispatcher(cfg Config, sender Sender, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		cfg:    cfg,
		sender: sender,
		logger: logger.Named("notify"),
		ch:     make(chan Message, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	if cfg.PerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = xrate.NewLimiter(xrate.Limit(cfg.PerSecond), burst)
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Enqueue queues msg without blocking.
func (d *Dispatcher) Enqueue(msg Message) error {
	if d.closed.Load() {
		return ErrClosed
	}
	select {
	case d.ch <- msg:
		return nil
	case <-d.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Send implements Sender by queueing, so a Dispatcher can stand in for the
// provider wherever a Sender is expected.
func (d *Dispatcher) Send(_ context.Context, msg Message) error {
	return d.Enqueue(msg)
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case msg := <-d.ch:
			d.deliver(msg)
		case <-d.done:
			for {
				select {
				case msg := <-d.ch:
					d.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			d.failed.Add(1)
			d.logger.Warn("otp delivery throttled past timeout",
				zap.String("principal_id", msg.PrincipalID),
				zap.String("channel", string(msg.Channel)),
			)
			return
		}
	}
	if err := d.sender.Send(ctx, msg); err != nil {
		d.failed.Add(1)
		d.logger.Warn("otp delivery failed",
			zap.String("principal_id", msg.PrincipalID),
			zap.String("method_id", msg.MethodID),
			zap.String("channel", string(msg.Channel)),
			zap.Error(err),
		)
		return
	}
	d.sent.Add(1)
}

// Close stops accepting messages and drains the queue.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Sent returns the number of successful deliveries.
func (d *Dispatcher) Sent() uint64 { return d.sent.Load() }

// Failed returns the number of failed deliveries.
func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

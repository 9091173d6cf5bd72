// Package dispatch runs the per-connection protocol loop: it reads one frame
// at a time, classifies it and answers through the registry and router.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/protocol"
	"github.com/Tyrowin/relay/internal/registry"
	"github.com/Tyrowin/relay/internal/router"
)

const tracerName = "github.com/Tyrowin/relay/internal/dispatch"

// Peer is one client connection as seen by the dispatcher. ReadFrame blocks
// until a frame arrives; it returns an error wrapping
// protocol.ErrUnparseable when the transport itself could not frame valid
// input, and any other error when the connection is gone.
type Peer interface {
	registry.Conn
	ReadFrame() ([]byte, error)
}

type state int

const (
	stateUnregistered state = iota
	stateActive
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateUnregistered:
		return "unregistered"
	case stateActive:
		return "active"
	default:
		return "terminated"
	}
}

// Dispatcher serves connections against one registry.
type Dispatcher struct {
	reg       *registry.Registry
	router    *router.Router
	log       *zap.Logger
	tracer    trace.Tracer
	rateLimit RateLimit
	now       func() time.Time
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithRateLimit enables a token bucket per connection.
func WithRateLimit(cfg RateLimit) Option {
	return func(d *Dispatcher) {
		d.rateLimit = cfg
	}
}

// WithClock replaces time.Now for the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher.
func New(reg *registry.Registry, r *router.Router, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:    reg,
		router: r,
		log:    zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// conversation is the dispatcher's per-connection state.
type conversation struct {
	peer    Peer
	state   state
	id      uuid.UUID
	name    string
	limiter *rateLimiter
	log     *zap.Logger
}

func (c *conversation) registered() bool {
	return c.id != uuid.Nil
}

// Serve runs the protocol loop for peer until the connection terminates or
// ctx is cancelled. On return the peer is closed and its session, if any,
// deregistered.
func (d *Dispatcher) Serve(ctx context.Context, peer Peer) {
	c := &conversation{
		peer:    peer,
		limiter: newRateLimiter(d.rateLimit, d.now),
		log:     d.log.With(zap.String("remote_addr", peer.RemoteAddr())),
	}
	c.log.Debug("connection opened")

	stop := context.AfterFunc(ctx, func() {
		_ = peer.Close()
	})
	defer stop()
	defer d.terminate(c)

	for c.state != stateTerminated {
		frame, err := peer.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrUnparseable) {
				d.rejectUnparseable(ctx, c, err)
				return
			}
			c.log.Debug("connection read ended", zap.String("state", c.state.String()), zap.Error(err))
			return
		}
		d.handleFrame(ctx, c, frame)
	}
}

func (d *Dispatcher) terminate(c *conversation) {
	c.state = stateTerminated
	if c.registered() {
		d.reg.Deregister(c.id)
	}
	if err := c.peer.Close(); err != nil {
		c.log.Debug("close failed", zap.Error(err))
	}
	c.log.Debug("connection closed")
}

func (d *Dispatcher) reply(c *conversation, v any) {
	d.router.Reply(c.peer, v)
}

func (d *Dispatcher) fail(c *conversation, reason protocol.Reason) {
	c.log.Debug("request rejected", zap.String("reason", string(reason)))
	d.reply(c, protocol.Error(reason))
}

// touch records activity and reports whether the connection may go on. A
// session evicted by the inactivity monitor ends the connection.
func (d *Dispatcher) touch(c *conversation) bool {
	if !c.registered() {
		return true
	}
	err := d.reg.Touch(c.id)
	if errors.Is(err, registry.ErrNotFound) {
		c.log.Debug("frame from evicted session dropped", zap.Error(err))
		c.state = stateTerminated
		return false
	}
	return true
}

func (d *Dispatcher) rejectUnparseable(ctx context.Context, c *conversation, cause error) {
	_, span := d.tracer.Start(ctx, "relay.dispatch")
	defer span.End()
	span.SetStatus(codes.Error, "unparseable input")

	d.touch(c)
	c.log.Debug("unparseable input", zap.Error(cause))
	d.fail(c, protocol.ReasonParseError)
	c.state = stateTerminated
}

func (d *Dispatcher) handleFrame(ctx context.Context, c *conversation, frame []byte) {
	_, span := d.tracer.Start(ctx, "relay.dispatch")
	defer span.End()

	if !d.touch(c) {
		span.SetStatus(codes.Error, "session evicted")
		return
	}

	if !c.limiter.allow() {
		span.SetStatus(codes.Error, "rate limited")
		d.fail(c, protocol.ReasonRateLimited)
		return
	}

	req, err := protocol.Decode(frame)
	if err != nil {
		span.SetStatus(codes.Error, "unparseable input")
		c.log.Debug("unparseable input", zap.Error(err))
		d.fail(c, protocol.ReasonParseError)
		c.state = stateTerminated
		return
	}

	span.SetAttributes(
		attribute.String("relay.kind", string(req.Kind)),
		attribute.String("relay.state", c.state.String()),
	)

	if c.state == stateUnregistered {
		d.handleRegistration(c, req)
	} else {
		d.handleActive(c, req)
	}

	if c.state == stateTerminated {
		span.SetStatus(codes.Error, "connection terminated")
	}
}

// handleRegistration gives an unregistered connection exactly one chance.
func (d *Dispatcher) handleRegistration(c *conversation, req protocol.Request) {
	c.state = stateTerminated

	switch {
	case !req.HasKind():
		d.fail(c, protocol.ReasonMissingKind)
		return
	case req.Kind != protocol.KindRegister:
		d.fail(c, protocol.ReasonNotRegistered)
		return
	case req.Validate() != nil:
		d.fail(c, protocol.ReasonInvalidRegister)
		return
	}

	s, err := d.reg.Register(req.Name, c.peer)
	switch {
	case errors.Is(err, registry.ErrDuplicateName):
		d.fail(c, protocol.ReasonDuplicateName)
		return
	case errors.Is(err, registry.ErrFull):
		d.fail(c, protocol.ReasonFull)
		return
	case err != nil:
		d.fail(c, protocol.ReasonInvalidRegister)
		return
	}

	c.id = s.ID
	c.name = s.Name
	c.state = stateActive
	c.log = c.log.With(zap.String("session_id", s.ID.String()), zap.String("name", s.Name))
	d.reply(c, protocol.OK())
}

func (d *Dispatcher) handleActive(c *conversation, req protocol.Request) {
	if err := req.Validate(); err != nil {
		switch {
		case errors.Is(err, protocol.ErrMissingKind):
			d.fail(c, protocol.ReasonMissingKind)
			c.state = stateTerminated
		case errors.Is(err, protocol.ErrUnknownKind):
			d.fail(c, protocol.ReasonUnknownKind)
		default:
			d.fail(c, protocol.MalformedReason(req.Kind))
		}
		return
	}

	switch req.Kind {
	case protocol.KindRegister:
		d.fail(c, protocol.ReasonAlreadyRegistered)

	case protocol.KindExit:
		d.reply(c, protocol.OK())
		c.log.Info("client exit")
		c.state = stateTerminated

	case protocol.KindBroadcast:
		if req.SenderName != c.name {
			c.log.Debug("broadcast sender name differs from session", zap.String("claimed", req.SenderName))
		}
		d.router.Broadcast(c.name, req.Text)

	case protocol.KindDirectMessage:
		if err := d.router.DirectMessage(c.name, req.RecipientName, req.Text); err != nil {
			d.fail(c, protocol.ReasonRecipientNotFound)
			return
		}
		d.reply(c, protocol.OK())

	case protocol.KindList:
		d.reply(c, d.router.ListActive())

	case protocol.KindPresenceQuery:
		presence, err := d.router.Describe(req.Name)
		if err != nil {
			d.fail(c, protocol.ReasonNotFound)
			return
		}
		d.reply(c, presence)

	case protocol.KindStatusChange:
		d.changeStatus(c, req)
	}
}

func (d *Dispatcher) changeStatus(c *conversation, req protocol.Request) {
	status, err := registry.ParseStatus(req.NewStatus)
	if err != nil {
		d.fail(c, protocol.ReasonInvalidStatus)
		return
	}
	id, err := d.reg.FindByName(req.Name)
	if err != nil {
		d.fail(c, protocol.ReasonNotFound)
		return
	}

	switch err := d.reg.SetStatus(id, status); {
	case errors.Is(err, registry.ErrAlreadySet):
		d.fail(c, protocol.ReasonAlreadySet)
	case errors.Is(err, registry.ErrNotFound):
		d.fail(c, protocol.ReasonNotFound)
	case err != nil:
		d.fail(c, protocol.ReasonInvalidStatus)
	default:
		d.reply(c, protocol.OK())
	}
}

// Package router fans relay messages out to registered sessions. It reads
// registry snapshots and always sends after the registry lock is released.
package router

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Tyrowin/relay/internal/protocol"
	"github.com/Tyrowin/relay/internal/registry"
)

// ErrRecipientNotFound is returned when a direct message names nobody alive.
var ErrRecipientNotFound = errors.New("router: recipient not found")

// Router delivers broadcasts, direct messages and replies.
type Router struct {
	reg *registry.Registry
	log *zap.Logger
}

// New creates a Router over reg.
func New(reg *registry.Registry, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{reg: reg, log: log}
}

// Broadcast delivers text from sender to every alive connection, the
// sender's own included. Failed sends are logged and skipped; the return
// value counts successful deliveries.
func (r *Router) Broadcast(sender, text string) int {
	conns := r.reg.SnapshotActiveConnections()
	msg := protocol.Delivery{Kind: protocol.KindBroadcast, Sender: sender, Text: text}

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(msg); err != nil {
			r.log.Debug("broadcast delivery failed",
				zap.String("sender", sender),
				zap.String("remote_addr", conn.RemoteAddr()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}

	r.log.Debug("broadcast",
		zap.String("sender", sender),
		zap.Int("targets", len(conns)),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// DirectMessage delivers text to the session named recipient. Nothing is
// sent when the recipient is not registered.
func (r *Router) DirectMessage(sender, recipient, text string) error {
	target, err := r.reg.Describe(recipient)
	if err != nil {
		return ErrRecipientNotFound
	}

	msg := protocol.Delivery{
		Kind:      protocol.KindDirectMessage,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
	}
	if err := target.Conn.Send(msg); err != nil {
		r.log.Debug("direct delivery failed",
			zap.String("sender", sender),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
	}
	return nil
}

// ListActive returns the alive names in the listing reply shape.
func (r *Router) ListActive() protocol.ListReply {
	return protocol.ListReply{
		Kind:  protocol.KindList,
		Names: r.reg.SnapshotActiveNames(),
	}
}

// Describe reports the presence status of the named session.
func (r *Router) Describe(name string) (protocol.PresenceReply, error) {
	s, err := r.reg.Describe(name)
	if err != nil {
		return protocol.PresenceReply{}, err
	}
	return protocol.PresenceReply{
		Kind:   protocol.KindPresence,
		Name:   s.Name,
		Status: string(s.Status),
	}, nil
}

// Reply sends v to a single connection, logging failures.
func (r *Router) Reply(conn registry.Conn, v any) {
	if err := conn.Send(v); err != nil {
		r.log.Debug("reply failed",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err),
		)
	}
}

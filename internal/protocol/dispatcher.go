package protocol

import (
	"context"
	"fmt"

	"signalgw/internal/domain"
	"signalgw/internal/gwerrors"
	"signalgw/internal/metrics"
	"signalgw/internal/models"

	"github.com/rs/zerolog"
)

// Dispatcher admits inbound messages and routes them through a Registry.
// It never returns an error: failures of a REQUEST become ERROR messages and
// failures of a PUSH are logged and dropped.
type Dispatcher struct {
	registry *Registry
	sessions domain.SessionStore
	logger   zerolog.Logger
}

// NewDispatcher builds a dispatcher. With a nil session store tokens are not
// checked.
func NewDispatcher(registry *Registry, sessions domain.SessionStore, logger *zerolog.Logger) *Dispatcher {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "dispatcher").Logger()
	}
	return &Dispatcher{registry: registry, sessions: sessions, logger: log}
}

// Dispatch returns the reply for msg, or nil when no reply is due.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.Message) *models.Message {
	if err := msg.Validate(); err != nil {
		return d.reject(msg, "admission", err)
	}
	if err := d.authorize(ctx, msg); err != nil {
		return d.reject(msg, "admission", err)
	}

	h, ok := d.registry.Find(msg)
	if !ok {
		return d.reject(msg, "unmatched", gwerrors.Unsupported("no handler for %s", msg))
	}

	reply, err := d.invoke(ctx, h, msg)
	if err != nil {
		return d.reject(msg, h.Name(), err)
	}

	metrics.IncDispatched(h.Name(), "ok")
	d.logger.Debug().
		Str("handler", h.Name()).
		Str("peer_id", PeerFromContext(ctx)).
		Str("message", msg.String()).
		Msg("message dispatched")
	return reply
}

func (d *Dispatcher) authorize(ctx context.Context, msg *models.Message) error {
	if d.sessions == nil {
		return nil
	}
	if first, _ := msg.FirstOperation(); first.Name == models.OpLogin {
		return nil
	}
	if msg.Token == "" {
		return gwerrors.Unauthorized("token is required for %s", msg)
	}
	valid, err := d.sessions.Validate(ctx, msg.Token)
	if err != nil {
		return gwerrors.Internal(err, "validate token")
	}
	if !valid {
		return gwerrors.Unauthorized("invalid or expired token")
	}

	// A token is bound to the connection that logged in.
	peerID := PeerFromContext(ctx)
	if peerID == "" {
		return nil
	}
	session, err := d.sessions.GetSession(ctx, msg.Token)
	if err != nil {
		return gwerrors.Internal(err, "load session")
	}
	if session == nil {
		return gwerrors.Unauthorized("invalid or expired token")
	}
	if session.PeerID != "" && session.PeerID != peerID {
		return gwerrors.Unauthorized("token was issued to another connection")
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg *models.Message) (reply *models.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("handler", h.Name()).Msg("recovered from panic in handler")
			err = gwerrors.Internal(fmt.Errorf("%v", r), "handler %s failed", h.Name())
		}
	}()
	return h.Handle(ctx, msg)
}

// reject turns err into an ERROR reply for requests. Anything that is not a
// REQUEST gets no reply.
func (d *Dispatcher) reject(msg *models.Message, handler string, err error) *models.Message {
	code := gwerrors.CodeOf(err)
	metrics.IncDispatched(handler, "error")

	if msg == nil || msg.Type != models.TypeRequest {
		d.logger.Warn().Err(err).Str("handler", handler).Str("message", msg.String()).Msg("message dropped")
		return nil
	}

	event := d.logger.Warn()
	if code == gwerrors.CodeInternal {
		event = d.logger.Error()
	}
	event.Err(err).
		Str("handler", handler).
		Str("code", code).
		Str("seq", msg.Seq).
		Msg("request failed")

	metrics.IncErrorResponse(code)
	return models.NewError(msg, code, gwerrors.MessageOf(err))
}

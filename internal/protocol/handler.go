// Package protocol routes inbound protocol messages to handlers and turns
// handler outcomes into RESPONSE or ERROR messages.
package protocol

import (
	"context"

	"signalgw/internal/models"
)

// Handler is one dispatch target. Supports must look at the message type and
// the payload's object type, not only the operation name.
type Handler interface {
	Name() string
	Supports(msg *models.Message) bool
	Handle(ctx context.Context, msg *models.Message) (*models.Message, error)
}

// FuncHandler builds a Handler from two functions.
type FuncHandler struct {
	HandlerName string
	SupportsFn  func(msg *models.Message) bool
	HandleFn    func(ctx context.Context, msg *models.Message) (*models.Message, error)
}

func (h *FuncHandler) Name() string { return h.HandlerName }

func (h *FuncHandler) Supports(msg *models.Message) bool { return h.SupportsFn(msg) }

func (h *FuncHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	return h.HandleFn(ctx, msg)
}

// Matches reports whether msg has type t, operation op and a first payload of
// objectType.
func Matches(msg *models.Message, t models.MessageType, op models.OperationName, objectType string) bool {
	if !msg.Is(t, op) {
		return false
	}
	first, _ := msg.FirstOperation()
	return first.Data != nil && first.Data.ObjectType() == objectType
}

type peerKey struct{}

// WithPeer tags ctx with the id of the connection the message arrived on.
func WithPeer(ctx context.Context, peerID string) context.Context {
	return context.WithValue(ctx, peerKey{}, peerID)
}

// PeerFromContext returns the peer id set by WithPeer, or "".
func PeerFromContext(ctx context.Context) string {
	peerID, _ := ctx.Value(peerKey{}).(string)
	return peerID
}

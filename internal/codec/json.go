// Package codec converts protocol messages to and from their JSON wire form.
//
// Each operation's data is an object keyed by the payload's object type:
//
//	{"name": "Get", "data": {"TSCCmd": {"objName": "CrossParam", "id": "X1"}}}
package codec

import (
	"encoding/json"
	"fmt"
	"sync"

	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

type envelope struct {
	Version string         `json:"version"`
	Type    string         `json:"type"`
	Seq     string         `json:"seq"`
	From    models.Address `json:"from"`
	To      models.Address `json:"to"`
	Token   string         `json:"token,omitempty"`
	Body    body           `json:"body"`
}

type body struct {
	Operations []operation `json:"operations"`
}

type operation struct {
	Name string                     `json:"name"`
	Data map[string]json.RawMessage `json:"data"`
}

type listWire struct {
	ItemType string            `json:"itemType"`
	Items    []json.RawMessage `json:"items"`
}

// JSONCodec is safe for concurrent use.
type JSONCodec struct {
	mu        sync.RWMutex
	factories map[string]func() models.Payload
}

// NewJSON returns a codec that knows every payload type in models.
func NewJSON() *JSONCodec {
	c := &JSONCodec{factories: make(map[string]func() models.Payload)}
	c.Register(models.ObjUser, func() models.Payload { return &models.UserPayload{} })
	c.Register(models.ObjToken, func() models.Payload { return &models.TokenPayload{} })
	c.Register(models.ObjMsgEntity, func() models.Payload { return &models.MsgEntity{} })
	c.Register(models.ObjError, func() models.Payload { return &models.ErrorPayload{} })
	c.Register(models.ObjHeartBeat, func() models.Payload { return &models.HeartBeat{} })
	c.Register(models.ObjQuery, func() models.Payload { return &models.QueryCommand{} })
	c.Register(models.ObjSysInfo, func() models.Payload { return &models.SysInfo{} })
	c.Register(models.ObjCrossParam, func() models.Payload { return &models.CrossParam{} })
	c.Register(models.ObjSignalControllerParam, func() models.Payload { return &models.SignalControllerParam{} })
	c.Register(models.ObjPlanParam, func() models.Payload { return &models.PlanParam{} })
	c.Register(models.ObjCrossCtrlInfo, func() models.Payload { return &models.CrossCtrlInfo{} })
	c.Register(models.ObjCrossState, func() models.Payload { return &models.CrossState{} })
	c.Register(models.ObjSyncTaskStatus, func() models.Payload { return &models.SyncTaskStatus{} })
	c.Register(models.ObjSetResult, func() models.Payload { return &models.SetResult{} })
	return c
}

// Register adds or replaces the factory for an object type.
func (c *JSONCodec) Register(objectType string, factory func() models.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[objectType] = factory
}

func (c *JSONCodec) Encode(msg *models.Message) ([]byte, error) {
	if msg == nil {
		return nil, gwerrors.Validation("cannot encode nil message")
	}

	env := envelope{
		Version: msg.Version,
		Type:    string(msg.Type),
		Seq:     msg.Seq,
		From:    msg.From,
		To:      msg.To,
		Token:   msg.Token,
		Body:    body{Operations: make([]operation, 0, len(msg.Body.Operations))},
	}
	for i, op := range msg.Body.Operations {
		if op.Data == nil {
			return nil, gwerrors.Validation("operation %d (%s) has no data", i, op.Name)
		}
		raw, err := encodePayload(op.Data)
		if err != nil {
			return nil, fmt.Errorf("encode operation %d (%s): %w", i, op.Name, err)
		}
		env.Body.Operations = append(env.Body.Operations, operation{
			Name: string(op.Name),
			Data: map[string]json.RawMessage{op.Data.ObjectType(): raw},
		})
	}
	return json.Marshal(env)
}

func encodePayload(p models.Payload) (json.RawMessage, error) {
	switch v := p.(type) {
	case *models.RawPayload:
		if len(v.Raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v.Raw, nil
	case *models.ListPayload:
		items := make([]json.RawMessage, 0, len(v.Items))
		for _, item := range v.Items {
			raw, err := encodePayload(item)
			if err != nil {
				return nil, err
			}
			items = append(items, raw)
		}
		return json.Marshal(listWire{ItemType: v.ItemType, Items: items})
	default:
		return json.Marshal(p)
	}
}

// Decode parses a wire message. Unknown object types decode to
// *models.RawPayload so dispatch can still answer them.
func (c *JSONCodec) Decode(data []byte) (*models.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, gwerrors.Validation("malformed message: %v", err)
	}

	msg := &models.Message{
		Version: env.Version,
		Type:    models.MessageType(env.Type),
		Seq:     env.Seq,
		From:    env.From,
		To:      env.To,
		Token:   env.Token,
		Body:    models.Body{Operations: make([]models.Operation, 0, len(env.Body.Operations))},
	}
	for i, op := range env.Body.Operations {
		if len(op.Data) != 1 {
			return nil, gwerrors.Validation("operation %d (%s): data must hold exactly one object, got %d", i, op.Name, len(op.Data))
		}
		for objectType, raw := range op.Data {
			payload, err := c.decodePayload(objectType, raw)
			if err != nil {
				return nil, gwerrors.Validation("operation %d (%s): %v", i, op.Name, err)
			}
			msg.Body.Operations = append(msg.Body.Operations, models.Operation{
				Name: models.OperationName(op.Name),
				Data: payload,
			})
		}
	}
	return msg, nil
}

// DecodePayload decodes one object of the given type outside an envelope.
func (c *JSONCodec) DecodePayload(objectType string, raw json.RawMessage) (models.Payload, error) {
	p, err := c.decodePayload(objectType, raw)
	if err != nil {
		return nil, gwerrors.Validation("%v", err)
	}
	return p, nil
}

func (c *JSONCodec) decodePayload(objectType string, raw json.RawMessage) (models.Payload, error) {
	if objectType == models.ObjList {
		var wire listWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("decode %s: %w", objectType, err)
		}
		list := &models.ListPayload{ItemType: wire.ItemType, Items: make([]models.Payload, 0, len(wire.Items))}
		for _, item := range wire.Items {
			p, err := c.decodePayload(wire.ItemType, item)
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, p)
		}
		return list, nil
	}

	c.mu.RLock()
	factory, ok := c.factories[objectType]
	c.mu.RUnlock()
	if !ok {
		return &models.RawPayload{Type: objectType, Raw: append(json.RawMessage(nil), raw...)}, nil
	}

	p := factory()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", objectType, err)
	}
	return p, nil
}

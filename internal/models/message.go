package models

import (
	"fmt"
	"unicode/utf8"

	"signalgw/internal/gwerrors"
)

// ProtocolVersion is the envelope version the gateway speaks.
const ProtocolVersion = "1.0"

// MaxSeqLength bounds the caller-assigned sequence id.
const MaxSeqLength = 64

type MessageType string

const (
	TypeRequest  MessageType = "REQUEST"
	TypeResponse MessageType = "RESPONSE"
	TypePush     MessageType = "PUSH"
	TypeError    MessageType = "ERROR"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypePush, TypeError:
		return true
	}
	return false
}

type OperationName string

const (
	OpGet         OperationName = "Get"
	OpSet         OperationName = "Set"
	OpNotify      OperationName = "Notify"
	OpLogin       OperationName = "Login"
	OpLogout      OperationName = "Logout"
	OpSubscribe   OperationName = "Subscribe"
	OpUnsubscribe OperationName = "Unsubscribe"
	OpError       OperationName = "Error"
)

// Supported reports whether dispatch admits the operation name.
func (o OperationName) Supported() bool {
	switch o {
	case OpGet, OpSet, OpNotify, OpLogin, OpLogout, OpSubscribe, OpUnsubscribe, OpError:
		return true
	}
	return false
}

// Address identifies one side of an exchange.
type Address struct {
	Sys      string `json:"sys"`
	Instance string `json:"instance,omitempty"`
}

// Payload is the typed data of an operation. ObjectType is the discriminant
// handlers match on.
type Payload interface {
	ObjectType() string
}

type Operation struct {
	Name OperationName
	Data Payload
}

type Body struct {
	Operations []Operation
}

// Message is the protocol envelope. Treat values as immutable once built.
type Message struct {
	Version string
	Type    MessageType
	Seq     string
	From    Address
	To      Address
	Token   string
	Body    Body
}

// FirstOperation returns the leading operation, or false for an empty body.
func (m *Message) FirstOperation() (Operation, bool) {
	if m == nil || len(m.Body.Operations) == 0 {
		return Operation{}, false
	}
	return m.Body.Operations[0], true
}

// Is reports whether the message has the given type and its first operation
// has the given name.
func (m *Message) Is(t MessageType, op OperationName) bool {
	first, ok := m.FirstOperation()
	return ok && m.Type == t && first.Name == op
}

// Validate performs message admission checks.
func (m *Message) Validate() error {
	if m == nil {
		return gwerrors.Validation("message is nil")
	}
	if m.Version != ProtocolVersion {
		return gwerrors.Validation("unsupported version %q", m.Version)
	}
	if !m.Type.Valid() {
		return gwerrors.Validation("unknown message type %q", m.Type)
	}
	if m.Seq == "" {
		return gwerrors.Validation("seq is required")
	}
	if utf8.RuneCountInString(m.Seq) > MaxSeqLength {
		return gwerrors.Validation("seq exceeds %d characters", MaxSeqLength)
	}
	if len(m.Body.Operations) == 0 {
		return gwerrors.Validation("body has no operations")
	}
	for i, op := range m.Body.Operations {
		if !op.Name.Supported() {
			return gwerrors.Validation("operation %d: unsupported name %q", i, op.Name)
		}
		if op.Data == nil {
			return gwerrors.Validation("operation %d (%s): data is required", i, op.Name)
		}
	}
	return nil
}

// NewRequest builds a single-operation REQUEST.
func NewRequest(seq string, from, to Address, token string, op OperationName, data Payload) *Message {
	return &Message{
		Version: ProtocolVersion,
		Type:    TypeRequest,
		Seq:     seq,
		From:    from,
		To:      to,
		Token:   token,
		Body:    Body{Operations: []Operation{{Name: op, Data: data}}},
	}
}

// NewResponse answers req with the given operations, echoing its seq and
// swapping the addresses.
func NewResponse(req *Message, ops ...Operation) *Message {
	return &Message{
		Version: ProtocolVersion,
		Type:    TypeResponse,
		Seq:     req.Seq,
		From:    req.To,
		To:      req.From,
		Token:   req.Token,
		Body:    Body{Operations: ops},
	}
}

// NewError answers req with an ERROR carrying code and message.
func NewError(req *Message, code, message string) *Message {
	seq, from, to, token := "", Address{}, Address{}, ""
	objName := ""
	if req != nil {
		seq, from, to, token = req.Seq, req.To, req.From, req.Token
		if first, ok := req.FirstOperation(); ok && first.Data != nil {
			objName = first.Data.ObjectType()
		}
	}
	return &Message{
		Version: ProtocolVersion,
		Type:    TypeError,
		Seq:     seq,
		From:    from,
		To:      to,
		Token:   token,
		Body: Body{Operations: []Operation{{
			Name: OpError,
			Data: &ErrorPayload{Code: code, Message: message, ObjName: objName},
		}}},
	}
}

// NewPush builds a PUSH/Notify message. Pushes carry no reply expectation.
func NewPush(seq string, from, to Address, data Payload) *Message {
	return &Message{
		Version: ProtocolVersion,
		Type:    TypePush,
		Seq:     seq,
		From:    from,
		To:      to,
		Body:    Body{Operations: []Operation{{Name: OpNotify, Data: data}}},
	}
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	obj := ""
	if first, ok := m.FirstOperation(); ok {
		obj = string(first.Name)
		if first.Data != nil {
			obj += "/" + first.Data.ObjectType()
		}
	}
	return fmt.Sprintf("%s seq=%s %s", m.Type, m.Seq, obj)
}

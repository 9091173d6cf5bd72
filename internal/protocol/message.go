// Package protocol defines the JSON message shapes exchanged between relay
// clients and the server, and decodes inbound frames into requests.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates inbound requests and outbound deliveries.
type Kind string

// Request and delivery kinds.
const (
	KindRegister      Kind = "register"
	KindExit          Kind = "exit"
	KindBroadcast     Kind = "broadcast"
	KindDirectMessage Kind = "directMessage"
	KindList          Kind = "list"
	KindPresenceQuery Kind = "presenceQuery"
	KindStatusChange  Kind = "statusChange"

	// KindPresence tags the reply to a presence query.
	KindPresence Kind = "presence"
)

// Field names used on the wire.
const (
	FieldKind          = "kind"
	FieldAction        = "action"
	FieldName          = "name"
	FieldSenderName    = "senderName"
	FieldRecipientName = "recipientName"
	FieldText          = "text"
	FieldNewStatus     = "newStatus"
)

var (
	// ErrUnparseable marks input that is not a JSON object.
	ErrUnparseable = errors.New("protocol: unparseable input")
	// ErrMissingKind marks a JSON object without a string kind or action field.
	ErrMissingKind = errors.New("protocol: missing kind")
	// ErrUnknownKind marks a kind value the server does not implement.
	ErrUnknownKind = errors.New("protocol: unknown kind")
	// ErrMalformed marks a request missing a field its kind requires.
	ErrMalformed = errors.New("protocol: malformed request")
)

var requiredFields = map[Kind][]string{
	KindRegister:      {FieldName},
	KindExit:          nil,
	KindBroadcast:     {FieldSenderName, FieldText},
	KindDirectMessage: {FieldSenderName, FieldRecipientName, FieldText},
	KindList:          nil,
	KindPresenceQuery: {FieldName},
	KindStatusChange:  {FieldName, FieldNewStatus},
}

// Request is one decoded inbound message. Only string-valued fields are
// recorded; a field holding any other JSON type counts as absent.
type Request struct {
	Kind          Kind
	Name          string
	SenderName    string
	RecipientName string
	Text          string
	NewStatus     string

	present map[string]bool
}

// HasKind reports whether the message carried a string kind or action field.
func (r Request) HasKind() bool {
	return r.present[FieldKind]
}

// Has reports whether the named field was present as a string.
func (r Request) Has(field string) bool {
	return r.present[field]
}

// Validate checks the kind is known and every field it requires is present.
func (r Request) Validate() error {
	if !r.HasKind() {
		return ErrMissingKind
	}
	fields, ok := requiredFields[r.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	for _, field := range fields {
		if !r.present[field] {
			return fmt.Errorf("%w: %s requires %q", ErrMalformed, r.Kind, field)
		}
	}
	return nil
}

// Decode parses one frame. It fails only when the frame is not a JSON
// object; shape problems are reported later by Validate.
func Decode(frame []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(frame), &fields); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if fields == nil {
		return Request{}, fmt.Errorf("%w: not an object", ErrUnparseable)
	}

	req := Request{present: make(map[string]bool, len(fields))}
	kind, ok := stringField(fields, FieldKind)
	if !ok {
		kind, ok = stringField(fields, FieldAction)
	}
	if ok {
		req.Kind = Kind(kind)
		req.present[FieldKind] = true
	}

	for field, dst := range map[string]*string{
		FieldName:          &req.Name,
		FieldSenderName:    &req.SenderName,
		FieldRecipientName: &req.RecipientName,
		FieldText:          &req.Text,
		FieldNewStatus:     &req.NewStatus,
	} {
		if v, ok := stringField(fields, field); ok {
			*dst = v
			req.present[field] = true
		}
	}
	return req, nil
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

package protocol

import "encoding/json"

// Result is the outcome carried by the generic reply envelope.
type Result string

// Reply results.
const (
	ResultOK    Result = "OK"
	ResultError Result = "ERROR"
)

// Reason explains an ERROR reply.
type Reason string

// Error reasons surfaced to clients.
const (
	ReasonParseError           Reason = "parse-error"
	ReasonMissingKind          Reason = "missing-kind"
	ReasonUnknownKind          Reason = "unknown-kind"
	ReasonNotRegistered        Reason = "not-registered"
	ReasonAlreadyRegistered    Reason = "already-registered"
	ReasonInvalidRegister      Reason = "invalid-register"
	ReasonInvalidBroadcast     Reason = "invalid-broadcast"
	ReasonInvalidDirectMessage Reason = "invalid-direct-message"
	ReasonInvalidPresence      Reason = "invalid-presence-query"
	ReasonInvalidStatusChange  Reason = "invalid-status-change"
	ReasonDuplicateName        Reason = "duplicate-name"
	ReasonFull                 Reason = "full"
	ReasonNotFound             Reason = "not-found"
	ReasonAlreadySet           Reason = "already-set"
	ReasonInvalidStatus        Reason = "invalid-status"
	ReasonRecipientNotFound    Reason = "recipient-not-found"
	ReasonRateLimited          Reason = "rate-limited"
	ReasonIdleTimeout          Reason = "idle-timeout"
)

// MalformedReason returns the kind-specific format error for k.
func MalformedReason(k Kind) Reason {
	switch k {
	case KindRegister:
		return ReasonInvalidRegister
	case KindBroadcast:
		return ReasonInvalidBroadcast
	case KindDirectMessage:
		return ReasonInvalidDirectMessage
	case KindPresenceQuery:
		return ReasonInvalidPresence
	case KindStatusChange:
		return ReasonInvalidStatusChange
	default:
		return ReasonUnknownKind
	}
}

// Reply is the generic response envelope.
type Reply struct {
	Result Result `json:"result"`
	Reason Reason `json:"reason,omitempty"`
}

// OK builds a success reply.
func OK() Reply {
	return Reply{Result: ResultOK}
}

// Error builds a failure reply.
func Error(reason Reason) Reply {
	return Reply{Result: ResultError, Reason: reason}
}

// Delivery is a broadcast or direct message forwarded to its recipients.
type Delivery struct {
	Kind      Kind   `json:"kind"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Text      string `json:"text"`
}

// ListReply answers a list request.
type ListReply struct {
	Kind  Kind     `json:"kind"`
	Names []string `json:"names"`
}

// PresenceReply answers a presence query.
type PresenceReply struct {
	Kind   Kind   `json:"kind"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Encode serializes an outbound message.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Package envelope defines the broker's message representation and the wire
// shapes exchanged with clients: the publish request accepted on both ingress
// paths, the fan-out frame delivered to subscribers, and the ACK and error
// frames sent back to an originating connection.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type selects the delivery lane. The wire values mirror the queue types the
// clients already speak.
type Type string

const (
	// TypeOrdered is the per-group FIFO lane with content dedup and
	// per-chat sequence numbers.
	TypeOrdered Type = "fifo"
	// TypeFast is the high-throughput lane with best-effort ordering.
	TypeFast Type = "standard"
)

// Client frame actions handled on the socket path.
const (
	ActionSendMessage = "sendMessage"
	ActionHeartbeat   = "heartbeat"
)

// ErrInvalid marks a publish request that fails shape validation. Callers
// translate it into a 400 or an error frame.
var ErrInvalid = errors.New("invalid publish request")

// MultiPart carries client-side chunking hints. The broker validates the
// bounds and otherwise passes the block through untouched.
type MultiPart struct {
	GroupID    string `json:"groupId,omitempty"`
	TotalParts int    `json:"totalParts"`
	PartNumber int    `json:"partNumber"`
}

// Envelope is the internal message record. It is the substrate payload and,
// wrapped with a frame type, the JSON delivered to every subscriber.
type Envelope struct {
	MessageID              string          `json:"messageId"`
	ChatID                 string          `json:"chatId"`
	SenderID               string          `json:"senderId,omitempty"`
	EventType              string          `json:"eventType"`
	Content                json.RawMessage `json:"content,omitempty"`
	PublishTimestamp       time.Time       `json:"publishTimestamp"`
	ClientPublishTimestamp string          `json:"clientPublishTimestamp,omitempty"`
	MessageType            Type            `json:"messageType"`
	GroupID                string          `json:"messageGroupId,omitempty"`
	SequenceNumber         *int64          `json:"sequenceNumber,omitempty"`
	MultiPart              *MultiPart      `json:"multiPartMetadata,omitempty"`
	RetryCount             int             `json:"retryCount"`
}

// Frame returns the wire form delivered to subscribers. The envelope is
// serialized exactly once per fan-out; callers reuse the returned bytes for
// every recipient.
func (e *Envelope) Frame() ([]byte, error) {
	type frame struct {
		Type string `json:"type"`
		*Envelope
	}
	b, err := json.Marshal(frame{Type: "message", Envelope: e})
	if err != nil {
		return nil, fmt.Errorf("encode fan-out frame: %w", err)
	}
	return b, nil
}

// Encode returns the substrate payload for the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses a substrate payload back into an envelope. Payloads missing
// the identifying fields are corrupt and must be terminated, not redelivered.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.MessageID == "" || e.ChatID == "" {
		return nil, errors.New("decode envelope: missing messageId or chatId")
	}
	return &e, nil
}

// DedupID derives the content-dedup key for ordered publishes: two publishes
// with byte-identical payloads and the same group collapse to one key, so the
// substrate's duplicate window delivers only the first.
func (e *Envelope) DedupID() string {
	h := sha256.New()
	sep := []byte{0}
	h.Write([]byte(e.GroupID))
	h.Write(sep)
	h.Write([]byte(e.ChatID))
	h.Write(sep)
	h.Write([]byte(e.EventType))
	h.Write(sep)
	h.Write([]byte(e.ClientPublishTimestamp))
	h.Write(sep)
	h.Write(e.Content)
	if e.MultiPart != nil {
		fmt.Fprintf(h, "%s|%d|%d", e.MultiPart.GroupID, e.MultiPart.TotalParts, e.MultiPart.PartNumber)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Payload is the chat-addressed part of a publish request.
type Payload struct {
	ChatID                 string          `json:"chatId"`
	EventType              string          `json:"eventType"`
	Content                json.RawMessage `json:"content,omitempty"`
	ClientPublishTimestamp string          `json:"clientPublishTimestamp,omitempty"`
	MultiPart              *MultiPart      `json:"multiPartMetadata,omitempty"`
}

// PublishRequest is the body shared by the sendMessage frame and
// POST /publish. On the socket path Action routes the frame; the HTTP path
// leaves it empty.
type PublishRequest struct {
	Action        string   `json:"action,omitempty"`
	TargetChannel string   `json:"targetChannel"`
	MessageType   string   `json:"messageType,omitempty"`
	GroupID       string   `json:"messageGroupId,omitempty"`
	RequestAck    bool     `json:"requestAck,omitempty"`
	AckID         string   `json:"ackId,omitempty"`
	Payload       *Payload `json:"payload"`
}

// Validate checks the request shape. All violations wrap ErrInvalid.
func (r *PublishRequest) Validate() error {
	if r.TargetChannel == "" {
		return fmt.Errorf("%w: targetChannel is required", ErrInvalid)
	}
	if r.Payload == nil || r.Payload.ChatID == "" {
		return fmt.Errorf("%w: payload.chatId is required", ErrInvalid)
	}
	if r.Payload.EventType == "" {
		return fmt.Errorf("%w: payload.eventType is required", ErrInvalid)
	}
	if r.MessageType != "" && r.MessageType != string(TypeOrdered) && r.MessageType != string(TypeFast) {
		return fmt.Errorf("%w: messageType must be %q or %q", ErrInvalid, TypeOrdered, TypeFast)
	}
	if r.RequestAck && r.AckID == "" {
		return fmt.Errorf("%w: ackId is required when requestAck is set", ErrInvalid)
	}
	if mp := r.Payload.MultiPart; mp != nil {
		if mp.TotalParts < 1 {
			return fmt.Errorf("%w: multiPartMetadata.totalParts must be at least 1", ErrInvalid)
		}
		if mp.PartNumber < 1 || mp.PartNumber > mp.TotalParts {
			return fmt.Errorf("%w: multiPartMetadata.partNumber outside [1, totalParts]", ErrInvalid)
		}
	}
	return nil
}

// Lane returns the delivery lane for the request. Missing messageType means
// the fast lane.
func (r *PublishRequest) Lane() Type {
	if r.MessageType == string(TypeOrdered) {
		return TypeOrdered
	}
	return TypeFast
}

// Group returns the ordering scope for ordered publishes, defaulting to the
// chat id so sequence numbers and FIFO share one scope.
func (r *PublishRequest) Group() string {
	if r.GroupID != "" {
		return r.GroupID
	}
	if r.Payload != nil {
		return r.Payload.ChatID
	}
	return ""
}

// Ack is the acknowledgement frame sent to the originating connection once
// the substrate has confirmed durability.
type Ack struct {
	Type        string    `json:"type"`
	AckID       string    `json:"ackId"`
	Status      string    `json:"status"`
	MessageID   string    `json:"messageId"`
	MessageType Type      `json:"messageType"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewAck builds a success ACK for the given publish.
func NewAck(ackID, messageID string, mt Type) Ack {
	return Ack{
		Type:        "ack",
		AckID:       ackID,
		Status:      "success",
		MessageID:   messageID,
		MessageType: mt,
		Timestamp:   time.Now().UTC(),
	}
}

// ErrorFrame reports a per-frame failure to a connected client without
// closing the connection.
type ErrorFrame struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewErrorFrame builds an error frame with the caller-visible kind and an
// optional human-readable detail.
func NewErrorFrame(kind, message string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: kind, Message: message}
}

// Heartbeat is the application-level liveness reply.
type Heartbeat struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewHeartbeat builds a heartbeat_ack frame.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Type: "heartbeat_ack", Timestamp: time.Now().UTC()}
}

package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func validRequest() *PublishRequest {
	return &PublishRequest{
		Action:        ActionSendMessage,
		TargetChannel: "chat",
		MessageType:   string(TypeOrdered),
		Payload: &Payload{
			ChatID:    "chat-1",
			EventType: "chat_message",
			Content:   json.RawMessage(`{"text":"hi"}`),
		},
	}
}

func TestPublishRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PublishRequest)
		wantErr bool
	}{
		{
			name:   "valid ordered",
			mutate: func(r *PublishRequest) {},
		},
		{
			name:   "valid standard",
			mutate: func(r *PublishRequest) { r.MessageType = string(TypeFast) },
		},
		{
			name:   "missing messageType defaults",
			mutate: func(r *PublishRequest) { r.MessageType = "" },
		},
		{
			name:    "missing targetChannel",
			mutate:  func(r *PublishRequest) { r.TargetChannel = "" },
			wantErr: true,
		},
		{
			name:    "missing payload",
			mutate:  func(r *PublishRequest) { r.Payload = nil },
			wantErr: true,
		},
		{
			name:    "missing chatId",
			mutate:  func(r *PublishRequest) { r.Payload.ChatID = "" },
			wantErr: true,
		},
		{
			name:    "missing eventType",
			mutate:  func(r *PublishRequest) { r.Payload.EventType = "" },
			wantErr: true,
		},
		{
			name:    "unknown messageType",
			mutate:  func(r *PublishRequest) { r.MessageType = "priority" },
			wantErr: true,
		},
		{
			name:    "requestAck without ackId",
			mutate:  func(r *PublishRequest) { r.RequestAck = true },
			wantErr: true,
		},
		{
			name: "requestAck with ackId",
			mutate: func(r *PublishRequest) {
				r.RequestAck = true
				r.AckID = "ack-1"
			},
		},
		{
			name: "multipart part number too high",
			mutate: func(r *PublishRequest) {
				r.Payload.MultiPart = &MultiPart{TotalParts: 3, PartNumber: 4}
			},
			wantErr: true,
		},
		{
			name: "multipart part number zero",
			mutate: func(r *PublishRequest) {
				r.Payload.MultiPart = &MultiPart{TotalParts: 3, PartNumber: 0}
			},
			wantErr: true,
		},
		{
			name: "multipart zero total",
			mutate: func(r *PublishRequest) {
				r.Payload.MultiPart = &MultiPart{TotalParts: 0, PartNumber: 1}
			},
			wantErr: true,
		},
		{
			name: "multipart valid bounds",
			mutate: func(r *PublishRequest) {
				r.Payload.MultiPart = &MultiPart{GroupID: "g", TotalParts: 3, PartNumber: 3}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestPublishRequestLane(t *testing.T) {
	tests := []struct {
		name        string
		messageType string
		want        Type
	}{
		{"fifo", "fifo", TypeOrdered},
		{"standard", "standard", TypeFast},
		{"absent defaults to standard", "", TypeFast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			r.MessageType = tt.messageType
			if got := r.Lane(); got != tt.want {
				t.Errorf("Lane() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublishRequestGroup(t *testing.T) {
	r := validRequest()
	r.GroupID = "group-7"
	if got := r.Group(); got != "group-7" {
		t.Errorf("Group() = %q, want %q", got, "group-7")
	}

	r.GroupID = ""
	if got := r.Group(); got != "chat-1" {
		t.Errorf("Group() without messageGroupId = %q, want chat id %q", got, "chat-1")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := int64(42)
	env := &Envelope{
		MessageID:        "m-1",
		ChatID:           "chat-1",
		SenderID:         "user-1",
		EventType:        "chat_message",
		Content:          json.RawMessage(`{"text":"hello"}`),
		PublishTimestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		MessageType:      TypeOrdered,
		GroupID:          "chat-1",
		SequenceNumber:   &seq,
		RetryCount:       1,
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.MessageID != env.MessageID || got.ChatID != env.ChatID {
		t.Errorf("Decode() identity = (%q, %q), want (%q, %q)", got.MessageID, got.ChatID, env.MessageID, env.ChatID)
	}
	if got.SequenceNumber == nil || *got.SequenceNumber != seq {
		t.Errorf("Decode() sequence = %v, want %d", got.SequenceNumber, seq)
	}
	if !got.PublishTimestamp.Equal(env.PublishTimestamp) {
		t.Errorf("Decode() publishTimestamp = %v, want %v", got.PublishTimestamp, env.PublishTimestamp)
	}
}

func TestDecodeRejectsCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{{")},
		{"missing messageId", []byte(`{"chatId":"chat-1"}`)},
		{"missing chatId", []byte(`{"messageId":"m-1"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); err == nil {
				t.Error("Decode() accepted corrupt payload")
			}
		})
	}
}

func TestFrameShape(t *testing.T) {
	env := &Envelope{
		MessageID:        "m-1",
		ChatID:           "chat-1",
		EventType:        "chat_message",
		PublishTimestamp: time.Now().UTC(),
		MessageType:      TypeFast,
	}
	frame, err := env.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("Frame() produced invalid JSON: %v", err)
	}
	if decoded["type"] != "message" {
		t.Errorf("frame type = %v, want %q", decoded["type"], "message")
	}
	if decoded["messageId"] != "m-1" {
		t.Errorf("frame messageId = %v, want %q", decoded["messageId"], "m-1")
	}
	if decoded["chatId"] != "chat-1" {
		t.Errorf("frame chatId = %v, want %q", decoded["chatId"], "chat-1")
	}
}

func TestDedupID(t *testing.T) {
	base := func() *Envelope {
		return &Envelope{
			MessageID:              "m-1",
			ChatID:                 "chat-1",
			EventType:              "chat_message",
			Content:                json.RawMessage(`{"text":"hi"}`),
			ClientPublishTimestamp: "2025-06-01T12:00:00Z",
			GroupID:                "chat-1",
		}
	}

	a, b := base(), base()
	b.MessageID = "m-2"
	if a.DedupID() != b.DedupID() {
		t.Error("DedupID() differs for identical content under different message ids")
	}

	c := base()
	c.Content = json.RawMessage(`{"text":"bye"}`)
	if a.DedupID() == c.DedupID() {
		t.Error("DedupID() collides for different content")
	}

	d := base()
	d.GroupID = "other-group"
	if a.DedupID() == d.DedupID() {
		t.Error("DedupID() collides across groups")
	}

	e := base()
	e.MultiPart = &MultiPart{GroupID: "g", TotalParts: 2, PartNumber: 1}
	f := base()
	f.MultiPart = &MultiPart{GroupID: "g", TotalParts: 2, PartNumber: 2}
	if e.DedupID() == f.DedupID() {
		t.Error("DedupID() collides across multipart parts")
	}
}

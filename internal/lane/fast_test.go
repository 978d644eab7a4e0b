package lane

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/envelope"
	"github.com/Johannes-01/WebSocketNotificationService-sub000/internal/metrics"
)

func newTestFast(proc Processor) (*Fast, *[]string) {
	l := NewFast(nil, proc, Config{FastBatch: 10, MaxDeliver: 3, BatchDeadline: time.Second}, zerolog.Nop(), metrics.NewRegistry())
	published := &[]string{}
	l.sink.publish = func(subject string, _ []byte) error {
		*published = append(*published, subject)
		return nil
	}
	return l, published
}

func TestFastProcessAcksPerItem(t *testing.T) {
	proc := &fakeProc{fail: map[string]error{"m-2": errors.New("boom")}}
	l, _ := newTestFast(proc)

	msgs := []*fakeMsg{{}, {}, {}}
	items := []item{
		{env: testEnvelope("m-1"), msg: msgs[0], deliveries: 1},
		{env: testEnvelope("m-2"), msg: msgs[1], deliveries: 1},
		{env: testEnvelope("m-3"), msg: msgs[2], deliveries: 1},
	}
	l.process(context.Background(), items)

	if proc.batchCount() != 1 {
		t.Fatalf("processor batches = %d, want 1", proc.batchCount())
	}

	for i, wantAck := range []bool{true, false, true} {
		acked, naked, _ := msgs[i].state()
		if acked != wantAck {
			t.Errorf("item %d acked = %v, want %v", i+1, acked, wantAck)
		}
		if naked != !wantAck {
			t.Errorf("item %d naked = %v, want %v", i+1, naked, !wantAck)
		}
	}
}

func TestFastProcessBuriesExhaustedBeforeBatch(t *testing.T) {
	proc := &fakeProc{}
	l, published := newTestFast(proc)

	exhausted := &fakeMsg{}
	fresh := &fakeMsg{}
	l.process(context.Background(), []item{
		{env: testEnvelope("m-old"), msg: exhausted, deliveries: 4},
		{env: testEnvelope("m-new"), msg: fresh, deliveries: 1},
	})

	want := dlqSubject(string(envelope.TypeFast))
	if len(*published) != 1 || (*published)[0] != want {
		t.Fatalf("dead-letter publishes = %v, want [%s]", *published, want)
	}
	if acked, _, _ := exhausted.state(); !acked {
		t.Error("exhausted item not acked after burying")
	}
	if acked, _, _ := fresh.state(); !acked {
		t.Error("fresh item not processed and acked")
	}

	// The processor must only have seen the fresh item.
	proc.mu.Lock()
	defer proc.mu.Unlock()
	if len(proc.batches) != 1 || len(proc.batches[0]) != 1 || proc.batches[0][0].MessageID != "m-new" {
		t.Errorf("processor batch = %+v, want just m-new", proc.batches)
	}
}

func TestFastProcessEmptyAfterFilter(t *testing.T) {
	proc := &fakeProc{}
	l, _ := newTestFast(proc)

	m := &fakeMsg{}
	l.process(context.Background(), []item{
		{env: testEnvelope("m-old"), msg: m, deliveries: 9},
	})

	if proc.batchCount() != 0 {
		t.Errorf("processor ran on an empty batch")
	}
}

func TestFastDecodeTerminatesCorrupt(t *testing.T) {
	proc := &fakeProc{}
	l, _ := newTestFast(proc)

	good, err := testEnvelope("m-1").Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	items := l.decode([]*nats.Msg{
		{Data: []byte("{{")},
		{Data: good},
		{Data: []byte(`{"chatId":"only"}`)},
	})

	if len(items) != 1 {
		t.Fatalf("decode() kept %d items, want 1", len(items))
	}
	if items[0].env.MessageID != "m-1" {
		t.Errorf("decode() kept %q, want m-1", items[0].env.MessageID)
	}
	if items[0].deliveries != 1 || items[0].env.RetryCount != 0 {
		t.Errorf("decode() deliveries = %d retryCount = %d, want 1 and 0", items[0].deliveries, items[0].env.RetryCount)
	}
}

package lane

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestGroupTableKeepsArrivalOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gt := newGroupTable(4, func(_ context.Context, it item) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		order = append(order, it.env.MessageID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 20
	for i := 0; i < n; i++ {
		gt.dispatch(ctx, "g1", item{env: testEnvelope(fmt.Sprintf("m-%02d", i)), msg: &fakeMsg{}, deliveries: 1})
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	})
	cancel()
	gt.wait()

	for i := 1; i < n; i++ {
		if order[i-1] >= order[i] {
			t.Fatalf("group order violated at %d: %q before %q", i, order[i-1], order[i])
		}
	}
	if gt.size() != 1 {
		t.Errorf("size() = %d, want 1", gt.size())
	}
}

func TestGroupTableGroupsRunIndependently(t *testing.T) {
	gate := make(chan struct{})
	done := make(chan string, 2)
	gt := newGroupTable(1, func(_ context.Context, it item) {
		if it.env.GroupID == "g1" {
			<-gate
		}
		done <- it.env.MessageID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := testEnvelope("m-1")
	first.GroupID = "g1"
	second := testEnvelope("m-2")
	second.GroupID = "g2"
	gt.dispatch(ctx, "g1", item{env: first, msg: &fakeMsg{}, deliveries: 1})
	gt.dispatch(ctx, "g2", item{env: second, msg: &fakeMsg{}, deliveries: 1})

	select {
	case id := <-done:
		if id != "m-2" {
			t.Fatalf("first completion = %q, want m-2 while g1 is blocked", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second group stuck behind first group's runner")
	}

	close(gate)
	<-done
	cancel()
	gt.wait()

	if gt.size() != 2 {
		t.Errorf("size() = %d, want 2", gt.size())
	}
}

// Items in flight when the lane stops are either handled or returned for
// redelivery; none may be lost.
func TestGroupTableAccountsForEveryItemOnCancel(t *testing.T) {
	gate := make(chan struct{})
	var handled atomic.Int32
	gt := newGroupTable(8, func(_ context.Context, it item) {
		<-gate
		handled.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())

	const n = 5
	msgs := make([]*fakeMsg, n)
	for i := range msgs {
		msgs[i] = &fakeMsg{}
		gt.dispatch(ctx, "g1", item{env: testEnvelope(fmt.Sprintf("m-%d", i)), msg: msgs[i], deliveries: 1})
	}

	cancel()
	close(gate)
	gt.wait()

	naked := 0
	for _, m := range msgs {
		if _, nak, _ := m.state(); nak {
			naked++
		}
	}
	if total := int(handled.Load()) + naked; total != n {
		t.Errorf("handled (%d) + requeued (%d) = %d, want %d", handled.Load(), naked, total, n)
	}
}

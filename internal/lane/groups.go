package lane

import (
	"context"
	"sync"
)

// groupTable fans ordered items out to one runner goroutine per group id.
// A runner handles items strictly one at a time in arrival order, which is
// the lane's FIFO guarantee; distinct groups proceed in parallel. Runners
// live until the lane stops; their count is bounded by the number of active
// groups.
type groupTable struct {
	handle func(context.Context, item)
	buffer int

	mu      sync.Mutex
	runners map[string]chan item
	wg      sync.WaitGroup
}

func newGroupTable(buffer int, handle func(context.Context, item)) *groupTable {
	return &groupTable{
		handle:  handle,
		buffer:  buffer,
		runners: make(map[string]chan item),
	}
}

// dispatch queues the item on its group's runner, creating the runner on
// first use. A full group queue blocks the caller, which backpressures the
// fetch loop; the block is bounded by the processor's batch deadline. On
// cancellation the item is returned to the substrate.
func (t *groupTable) dispatch(ctx context.Context, group string, it item) {
	t.mu.Lock()
	ch, ok := t.runners[group]
	if !ok {
		ch = make(chan item, t.buffer)
		t.runners[group] = ch
		t.wg.Add(1)
		go t.run(ctx, ch)
	}
	t.mu.Unlock()

	select {
	case ch <- it:
	case <-ctx.Done():
		_ = it.msg.Nak()
	}
}

func (t *groupTable) run(ctx context.Context, ch chan item) {
	defer t.wg.Done()
	for {
		select {
		case it := <-ch:
			t.handle(ctx, it)
		case <-ctx.Done():
			// Hand queued items back so redelivery picks them up.
			for {
				select {
				case it := <-ch:
					_ = it.msg.Nak()
				default:
					return
				}
			}
		}
	}
}

// size reports the number of live groups.
func (t *groupTable) size() int {
	t.mu.Lock()
	n := len(t.runners)
	t.mu.Unlock()
	return n
}

// wait blocks until every runner has seen cancellation and drained.
func (t *groupTable) wait() {
	t.wg.Wait()
}

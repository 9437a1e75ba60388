package coordinator

import (
	"context"
)

// mailbox runs submitted messages one at a time on its own goroutine. State
// owned by a mailbox is only touched from inside its messages, so no message
// ever observes another one half applied.
//
// A message must never call back into its own mailbox.
type mailbox struct {
	inbox chan func()
	done  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{inbox: make(chan func(), 64), done: make(chan struct{})}
}

// run applies messages until ctx is done.
func (m *mailbox) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case fn := <-m.inbox:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// call runs fn on the mailbox goroutine and waits for it to finish. It
// reports false when ctx ends first, in which case fn may not have run.
func (m *mailbox) call(ctx context.Context, fn func()) bool {
	finished := make(chan struct{})
	msg := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.inbox <- msg:
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		// run may have returned right after finishing fn
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

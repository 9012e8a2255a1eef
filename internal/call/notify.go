package call

import "sync"

// notifier delivers callbacks and subscriber events in order on its own
// goroutine, so handlers may call back into the Controller.
type notifier struct {
	q *queue

	mu         sync.Mutex
	onIncoming []func(CallSession)
	onAccepted []func(CallSession)
	onRejected []func(CallSession)
	onEnded    []func(CallSession)
	listeners  map[chan Event]struct{}
}

func newNotifier() *notifier {
	n := &notifier{q: newQueue(), listeners: make(map[chan Event]struct{})}
	go n.q.run()
	return n
}

func (n *notifier) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if _, ok := n.listeners[ch]; ok {
			delete(n.listeners, ch)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// emit queues ev for listeners and, for lifecycle events, the callbacks.
func (n *notifier) emit(ev Event) {
	n.q.push(func() {
		n.mu.Lock()
		for ch := range n.listeners {
			select {
			case ch <- ev:
			default:
				// Slow listener; it will catch up from the next state event.
			}
		}
		var fns []func(CallSession)
		switch ev.Kind {
		case EventIncoming:
			fns = n.onIncoming
		case EventAccepted:
			fns = n.onAccepted
		case EventRejected:
			fns = n.onRejected
		case EventEnded:
			fns = n.onEnded
		}
		fns = append([]func(CallSession){}, fns...)
		n.mu.Unlock()

		if ev.Call == nil {
			return
		}
		for _, fn := range fns {
			fn(*ev.Call)
		}
	})
}

// close delivers what is queued, then closes every listener channel.
func (n *notifier) close() {
	n.q.close()
	<-n.q.done

	n.mu.Lock()
	for ch := range n.listeners {
		delete(n.listeners, ch)
		close(ch)
	}
	n.mu.Unlock()
}

package core

import "sync"

// EventBuffer decouples engine callbacks from the session loop: Push never
// blocks, events come out of C in push order.
type EventBuffer struct {
	mu      sync.Mutex
	queue   []MediaEvent
	wake    chan struct{}
	out     chan MediaEvent
	closed  bool
	done    chan struct{}
	stopped chan struct{}
}

func NewEventBuffer() *EventBuffer {
	b := &EventBuffer{
		wake:    make(chan struct{}, 1),
		out:     make(chan MediaEvent),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *EventBuffer) C() <-chan MediaEvent { return b.out }

func (b *EventBuffer) Push(ev MediaEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close drops undelivered events and closes C.
func (b *EventBuffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.queue = nil
	b.mu.Unlock()
	close(b.done)
	<-b.stopped
}

func (b *EventBuffer) run() {
	defer close(b.stopped)
	defer close(b.out)
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			select {
			case <-b.wake:
				continue
			case <-b.done:
				return
			}
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		select {
		case b.out <- ev:
		case <-b.done:
			return
		}
	}
}

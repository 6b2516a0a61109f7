package deployment

import "sync"

// killBufferSize is the channel buffer for each kill subscriber. Run
// goroutines drain their subscription continuously, so the buffer only
// needs to absorb short bursts.
const killBufferSize = 16

// KillBroker broadcasts project names whose running deployments should
// stop. Every subscriber receives every broadcast and filters for the
// project it is running. It is safe for concurrent use.
type KillBroker struct {
	mu     sync.Mutex
	subs   map[int]chan string
	nextID int
}

// NewKillBroker creates a new kill broker.
func NewKillBroker() *KillBroker {
	return &KillBroker{
		subs: make(map[int]chan string),
	}
}

// Subscribe returns a channel receiving every broadcast kill and an
// unsubscribe function.
func (b *KillBroker) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, killBufferSize)
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Broadcast sends the project name to all subscribers without blocking.
// A subscriber whose buffer is full misses the signal; subscribers drain
// continuously, so that only happens if one is wedged.
func (b *KillBroker) Broadcast(projectName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- projectName:
		default:
		}
	}
}

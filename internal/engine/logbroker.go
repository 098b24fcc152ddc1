package engine

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 128

	// backlogSize is how many recent lines of a live run are replayed to a
	// new subscriber. It must not exceed subscriberBufferSize.
	backlogSize = 64
)

// LogBroker fans out training progress lines to live subscribers, one topic
// per run. A topic keeps the most recent lines while its run is live so
// that a subscriber joining mid-run starts with recent progress. It is safe
// for concurrent use.
//
// Closed topics are kept as empty markers so that late subscribers receive a
// closed channel instead of blocking forever; the persisted history serves
// finished runs. Markers are dropped with Forget when the job leaves the
// registry.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs    map[int]chan string
	nextID  int
	backlog []string
	closed  bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// topic returns the topic for runID, creating an open one if needed.
// Callers hold b.mu.
func (b *LogBroker) topic(runID string) *logTopic {
	t, ok := b.topics[runID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[runID] = t
	}
	return t
}

// Subscribe returns a channel that receives the run's recent backlog
// followed by every new line, and an unsubscribe function. If the run has
// already finished, the returned channel is immediately closed.
func (b *LogBroker) Subscribe(runID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	for _, line := range t.backlog {
		ch <- line
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish records a line in the run's backlog and sends it to all
// subscribers. Lines are dropped for subscribers whose buffers are full.
// Publishing to a closed run does nothing.
func (b *LogBroker) Publish(runID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	if t.closed {
		return
	}

	if len(t.backlog) == backlogSize {
		copy(t.backlog, t.backlog[1:])
		t.backlog = t.backlog[:backlogSize-1]
	}
	t.backlog = append(t.backlog, line)

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber; training must not block on it.
		}
	}
}

// Close signals that no more lines will be published for the given run.
// All subscriber channels are closed, the backlog is released, and future
// Subscribe calls return a closed channel.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(runID)
	t.closed = true
	t.backlog = nil
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops a closed run's marker. Open topics are left alone.
func (b *LogBroker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[runID]; ok && t.closed {
		delete(b.topics, runID)
	}
}

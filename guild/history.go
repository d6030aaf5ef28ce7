package guild

import "sync"

// History is a bounded record of recent messages, oldest evicted first.
// Writers never block readers for the whole ring; readers chase writers
// element by element.
type History struct {
	mu   sync.Mutex
	ring []histelem
	k    uint64
}

type histelem struct {
	mu   sync.Mutex
	k    uint64 // total number of elements written up to this one
	id   string
	who  string
	text string
	when int64
}

// ringsize is the number of messages in a history.
const ringsize = 1 << 9

// ringsize must be a power of 2; this line enforces that.
var _ [0]struct{} = [ringsize & (ringsize - 1)]struct{}{}

func NewHistory() *History {
	return &History{ring: make([]histelem, ringsize)}
}

// Add records a message. when is the message timestamp in milliseconds from
// the Unix epoch.
func (h *History) Add(id, who, text string, when int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := h.k % ringsize
	h.ring[k].mu.Lock()
	h.ring[k].k = k
	h.ring[k].id = id
	h.ring[k].who = who
	h.ring[k].text = text
	h.ring[k].when = when
	h.ring[k].mu.Unlock()
	h.k++ // We don't modulo so that readers can detect changed elements.
}

// Message is the minimal representation of a message recorded in a guild's
// history.
type Message struct {
	ID     string
	Sender string
	Text   string
	// When is the message timestamp in milliseconds from the Unix epoch.
	When int64
}

// Messages returns a slice of the messages in the guild history,
// approximately in order from oldest to newest.
func (h *History) Messages() []Message {
	r := make([]Message, 0, ringsize)
	h.mu.Lock()
	k := h.k
	// Iterate from ringsize tickets back.
	l := uint64(max(int64(k)-ringsize, 0))
	h.ring[l%ringsize].mu.Lock()
	h.mu.Unlock()
	for l < k {
		if h.ring[l%ringsize].k > k || h.ring[l%ringsize].who == "" {
			// Extra exit conditions.
			// We are currently holding the lock on ring[l%ringsize].
			// Set our final index to l so that we unlock it after the loop.
			k = l
			break
		}
		m := Message{
			ID:     h.ring[l%ringsize].id,
			Sender: h.ring[l%ringsize].who,
			Text:   h.ring[l%ringsize].text,
			When:   h.ring[l%ringsize].when,
		}
		r = append(r, m)
		// Lock the next element before we unlock the current one
		// so that no writer can skip past us.
		i := l + 1
		h.ring[i%ringsize].mu.Lock()
		h.ring[l%ringsize].mu.Unlock()
		l = i
	}
	h.ring[k%ringsize].mu.Unlock()
	return r
}

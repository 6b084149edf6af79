package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/netron/internal/protocol/frame"
)

// Reply completes one pending request with a response frame or an error.
type Reply struct {
	Frame frame.Frame
	Err   error
}

// PendingRequest tracks one request awaiting its response frame.
type PendingRequest struct {
	MessageID   uint64
	MessageType uint32
	QueuedAt    time.Time
	DeadlineAt  time.Time

	reply chan Reply
}

// Pending stores in-flight requests by message id. Each entry completes
// exactly once: by Resolve, Fail or FailAll.
type Pending struct {
	mu    sync.Mutex
	items map[uint64]*PendingRequest
}

func NewPending() *Pending {
	return &Pending{
		items: make(map[uint64]*PendingRequest),
	}
}

// Add registers messageID and returns the channel its reply arrives on.
func (p *Pending) Add(messageID uint64, messageType uint32, queuedAt, deadline time.Time) <-chan Reply {
	item := &PendingRequest{
		MessageID:   messageID,
		MessageType: messageType,
		QueuedAt:    queuedAt,
		DeadlineAt:  deadline,
		reply:       make(chan Reply, 1),
	}
	p.mu.Lock()
	p.items[messageID] = item
	p.mu.Unlock()
	return item.reply
}

// Resolve delivers a response frame. It reports false for unknown ids,
// which covers responses arriving after a timeout.
func (p *Pending) Resolve(messageID uint64, f frame.Frame) bool {
	item, ok := p.take(messageID)
	if !ok {
		return false
	}
	item.reply <- Reply{Frame: f}
	return true
}

func (p *Pending) Fail(messageID uint64, err error) bool {
	item, ok := p.take(messageID)
	if !ok {
		return false
	}
	item.reply <- Reply{Err: err}
	return true
}

// FailAll completes every pending request with err and returns the count.
func (p *Pending) FailAll(err error) int {
	p.mu.Lock()
	items := p.items
	p.items = make(map[uint64]*PendingRequest)
	p.mu.Unlock()
	for _, item := range items {
		item.reply <- Reply{Err: err}
	}
	return len(items)
}

func (p *Pending) Get(messageID uint64) (PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[messageID]
	if !ok {
		return PendingRequest{}, false
	}
	return *item, true
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *Pending) List() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

func (p *Pending) take(messageID uint64) (*PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[messageID]
	if ok {
		delete(p.items, messageID)
	}
	return item, ok
}

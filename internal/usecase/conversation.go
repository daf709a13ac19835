package usecase

import (
	"sync"
	"time"

	"pagepilot/internal/domain"
)

// ChangeKind names a conversation log mutation.
type ChangeKind string

const (
	ChangeAppend      ChangeKind = "append"
	ChangeStreamBegin ChangeKind = "stream_begin"
	ChangeStreamChunk ChangeKind = "stream_chunk"
	ChangeStreamEnd   ChangeKind = "stream_end"
	ChangeReplace     ChangeKind = "replace" // SetAll
	ChangeClear       ChangeKind = "clear"
	ChangeRemove      ChangeKind = "remove" // RemoveKind
)

// Change describes one mutation. Message is the affected message (for
// stream changes, its state after the mutation); Chunk is set only for
// ChangeStreamChunk. Snapshot is the full log after the mutation.
type Change struct {
	Kind     ChangeKind
	Message  *domain.ConversationMessage
	Chunk    string
	Snapshot []domain.ConversationMessage
}

// Listener observes conversation changes. Listeners run synchronously on the
// mutating goroutine, after the log lock is released.
type Listener func(Change)

// ConversationLog is the ordered chat transcript with at most one open
// streaming slot.
type ConversationLog struct {
	mu        sync.Mutex
	msgs      []domain.ConversationMessage
	streamIdx int // index of the open streaming message, -1 when none

	lmu       sync.Mutex
	listeners map[int]Listener
	nextLID   int
	order     []int

	now func() time.Time
}

// NewConversationLog creates an empty log.
func NewConversationLog() *ConversationLog {
	return &ConversationLog{
		streamIdx: -1,
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (l *ConversationLog) Subscribe(fn Listener) (unsubscribe func()) {
	l.lmu.Lock()
	id := l.nextLID
	l.nextLID++
	l.listeners[id] = fn
	l.order = append(l.order, id)
	l.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.lmu.Lock()
			defer l.lmu.Unlock()
			delete(l.listeners, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (l *ConversationLog) notify(c Change) {
	l.lmu.Lock()
	fns := make([]Listener, 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.listeners[id])
	}
	l.lmu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// snapshotLocked copies the message slice. Content values are immutable,
// so a shallow copy is safe to hand out.
func (l *ConversationLog) snapshotLocked() []domain.ConversationMessage {
	cp := make([]domain.ConversationMessage, len(l.msgs))
	copy(cp, l.msgs)
	return cp
}

// Messages returns a copy of the log.
func (l *ConversationLog) Messages() []domain.ConversationMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Len returns the number of messages.
func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Last returns the newest message.
func (l *ConversationLog) Last() (domain.ConversationMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) == 0 {
		return domain.ConversationMessage{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}

// StreamOpen reports whether a streaming slot is open, and its message id.
func (l *ConversationLog) StreamOpen() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamIdx < 0 {
		return "", false
	}
	return l.msgs[l.streamIdx].ID, true
}

// AddUser appends a user text message.
func (l *ConversationLog) AddUser(text string) domain.ConversationMessage {
	return l.Append(domain.ConversationMessage{Role: domain.RoleUser, Content: domain.TextContent(text)})
}

// AddAssistant appends a finished assistant text message.
func (l *ConversationLog) AddAssistant(text string) domain.ConversationMessage {
	return l.Append(domain.ConversationMessage{Role: domain.RoleAssistant, Content: domain.TextContent(text)})
}

// Append adds msg, filling in ID and CreatedAt when empty.
func (l *ConversationLog) Append(msg domain.ConversationMessage) domain.ConversationMessage {
	l.mu.Lock()
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now()
	}
	l.msgs = append(l.msgs, msg)
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeAppend, Message: &msg, Snapshot: snap})
	return msg
}

// BeginStream opens a new assistant streaming slot and returns its id. If a
// slot is already open it is finalized with its content intact, and
// ErrStreamOpen is returned alongside the new id.
func (l *ConversationLog) BeginStream() (string, error) {
	var prev *domain.ConversationMessage
	l.mu.Lock()
	if l.streamIdx >= 0 {
		m := l.msgs[l.streamIdx]
		prev = &m
	}
	msg := l.openLocked()
	snap := l.snapshotLocked()
	l.mu.Unlock()

	if prev != nil {
		l.notify(Change{Kind: ChangeStreamEnd, Message: prev, Snapshot: snap})
	}
	l.notify(Change{Kind: ChangeStreamBegin, Message: &msg, Snapshot: snap})
	if prev != nil {
		return msg.ID, domain.NewDomainError("ConversationLog.BeginStream", domain.ErrStreamOpen, prev.ID)
	}
	return msg.ID, nil
}

func (l *ConversationLog) openLocked() domain.ConversationMessage {
	msg := domain.ConversationMessage{
		ID:        NewID(),
		Role:      domain.RoleAssistant,
		Content:   domain.TextContent(""),
		CreatedAt: l.now(),
	}
	l.msgs = append(l.msgs, msg)
	l.streamIdx = len(l.msgs) - 1
	return msg
}

// AppendStream appends chunk to the open slot, opening one first when none
// is open. It returns the streaming message id.
func (l *ConversationLog) AppendStream(chunk string) string {
	l.mu.Lock()
	var opened *domain.ConversationMessage
	if l.streamIdx < 0 {
		m := l.openLocked()
		opened = &m
	}
	cur := &l.msgs[l.streamIdx]
	cur.Content = cur.Content.Append(chunk)
	msg := *cur
	snap := l.snapshotLocked()
	l.mu.Unlock()

	if opened != nil {
		l.notify(Change{Kind: ChangeStreamBegin, Message: opened, Snapshot: snap})
	}
	l.notify(Change{Kind: ChangeStreamChunk, Message: &msg, Chunk: chunk, Snapshot: snap})
	return msg.ID
}

// EndStream closes the open slot. It is a no-op when none is open.
func (l *ConversationLog) EndStream() {
	l.mu.Lock()
	if l.streamIdx < 0 {
		l.mu.Unlock()
		return
	}
	msg := l.msgs[l.streamIdx]
	l.streamIdx = -1
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeStreamEnd, Message: &msg, Snapshot: snap})
}

// DiscardStream removes the open slot's message from the log and returns its
// id. It is a no-op when no slot is open.
func (l *ConversationLog) DiscardStream() (string, bool) {
	l.mu.Lock()
	if l.streamIdx < 0 {
		l.mu.Unlock()
		return "", false
	}
	msg := l.msgs[l.streamIdx]
	l.msgs = append(l.msgs[:l.streamIdx:l.streamIdx], l.msgs[l.streamIdx+1:]...)
	l.streamIdx = -1
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeRemove, Message: &msg, Snapshot: snap})
	return msg.ID, true
}

// SetAll replaces the whole log and closes any open slot. Listeners are
// notified once.
func (l *ConversationLog) SetAll(msgs []domain.ConversationMessage) {
	l.mu.Lock()
	l.msgs = make([]domain.ConversationMessage, len(msgs))
	copy(l.msgs, msgs)
	l.streamIdx = -1
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeReplace, Snapshot: snap})
}

// Clear empties the log. Listeners are notified once.
func (l *ConversationLog) Clear() {
	l.mu.Lock()
	l.msgs = nil
	l.streamIdx = -1
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeClear, Snapshot: []domain.ConversationMessage{}})
}

// RemoveKind drops every message of the given kind and reports how many
// were removed. Listeners are notified once, and only when something changed.
func (l *ConversationLog) RemoveKind(kind domain.MessageKind) int {
	l.mu.Lock()
	var openID string
	if l.streamIdx >= 0 {
		openID = l.msgs[l.streamIdx].ID
	}
	kept := l.msgs[:0:0]
	for _, m := range l.msgs {
		if m.Kind != kind {
			kept = append(kept, m)
		}
	}
	removed := len(l.msgs) - len(kept)
	if removed == 0 {
		l.mu.Unlock()
		return 0
	}
	l.msgs = kept
	l.streamIdx = -1
	for i, m := range l.msgs {
		if m.ID == openID {
			l.streamIdx = i
		}
	}
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeRemove, Snapshot: snap})
	return removed
}

// GatewayMirror returns a listener that forwards finished assistant
// messages to b. Streaming chunks are mirrored by the engine and user
// echoes by the command dispatcher, so both are ignored here.
func GatewayMirror(b domain.Broadcaster) Listener {
	return func(c Change) {
		if c.Kind != ChangeAppend || c.Message == nil {
			return
		}
		m := c.Message
		if m.Role != domain.RoleAssistant || m.Kind != domain.KindChat || m.Content.IsParts() {
			return
		}
		b.BroadcastChat(m.ID, domain.ChatRoleAssistant, m.Content.Text())
	}
}

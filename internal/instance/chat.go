package instance

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ChatMessage is one append-only chat entry, strictly ordered by
// (Tick, Sequence) within its instance.
type ChatMessage struct {
	InstanceID string `json:"instance_id"`
	Sender     string `json:"sender"`
	Text       string `json:"text"`
	Tick       uint64 `json:"tick"`
	Sequence   uint64 `json:"sequence"`
}

// ChatLog is the per-instance append-only message sequence. External
// writers race the tick loop, so appends are mutex-guarded; the sequence
// number is global to the instance and strictly increasing, which keeps
// (tick, sequence) strictly ordered even across tick boundaries.
type ChatLog struct {
	mu         sync.Mutex
	instanceID string
	tick       func() uint64
	msgs       []ChatMessage
	nextSeq    uint64
}

// NewChatLog creates a log; tick supplies the current completed tick for
// tagging appends.
func NewChatLog(instanceID string, tick func() uint64) *ChatLog {
	return &ChatLog{
		instanceID: instanceID,
		tick:       tick,
		msgs:       make([]ChatMessage, 0, 64),
		nextSeq:    1,
	}
}

// Append normalizes the text (NFC) and appends with the next sequence
// number. Empty messages are dropped.
func (l *ChatLog) Append(sender, text string) *ChatMessage {
	text = strings.TrimSpace(norm.NFC.String(text))
	if text == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := ChatMessage{
		InstanceID: l.instanceID,
		Sender:     sender,
		Text:       text,
		Tick:       l.tick(),
		Sequence:   l.nextSeq,
	}
	l.nextSeq++
	l.msgs = append(l.msgs, msg)
	return &msg
}

// ReadSince returns messages with Sequence > since, in ascending order.
// A non-decreasing cursor never yields a message twice.
func (l *ChatLog) ReadSince(since uint64) []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	// msgs is append-only and sorted by sequence; binary-search-free
	// scan from the back keeps the common "tail" read cheap.
	i := len(l.msgs)
	for i > 0 && l.msgs[i-1].Sequence > since {
		i--
	}
	if i == len(l.msgs) {
		return nil
	}
	out := make([]ChatMessage, len(l.msgs)-i)
	copy(out, l.msgs[i:])
	return out
}

// Len returns the number of messages appended so far.
func (l *ChatLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

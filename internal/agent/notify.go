package agent

import (
	"sync"

	"github.com/harunnryd/kiroku/internal/event"
)

type NotificationType string

const (
	// NotificationStateChange reports an agent state transition.
	NotificationStateChange NotificationType = "state_change"
	// NotificationStreamDelta carries one streamed text fragment.
	NotificationStreamDelta NotificationType = "stream_delta"
	// NotificationApprovalRequest announces a tool call waiting for a
	// decision.
	NotificationApprovalRequest NotificationType = "approval_request"
	// NotificationToolResult reports a completed tool call.
	NotificationToolResult NotificationType = "tool_result"
)

type Notification struct {
	Type     NotificationType
	ThreadID string
	// Text holds the delta for stream_delta and the new state for
	// state_change.
	Text     string
	Approval *event.ApprovalRequestPayload
	Result   *event.ToolResult
}

// Notifier fans notifications out to subscribers. Publishing never blocks:
// a subscriber that stops draining loses notifications instead of stalling
// the agent. The event log stays authoritative; this channel is presentation
// only.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Notification
	next int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Notification)}
}

// Subscribe registers a listener. The returned cancel function must be called
// when the listener goes away; it closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Notification, buffer)

	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if existing, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(existing)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *Notifier) Publish(notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- notification:
		default:
		}
	}
}

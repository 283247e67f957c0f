package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/event"
	"github.com/harunnryd/kiroku/internal/store"
)

// ApprovalRequest is what the broker publishes when a tool call needs an
// interactive decision.
type ApprovalRequest struct {
	ThreadID string
	Payload  event.ApprovalRequestPayload
}

type approvalWaiter struct {
	ch       chan event.Decision
	toolName string
}

// ApprovalBroker mediates between the execution pipeline, which blocks waiting
// for a decision, and whatever surface collects decisions from the user. Every
// request and response is an event in the thread log; the broker's in-memory
// waiter map only routes a decision to the goroutine that is blocked on it.
type ApprovalBroker struct {
	store      *store.Worker
	grants     *GrantStore
	autoAllow  map[string]bool
	alwaysDeny map[string]bool
	notify     func(ApprovalRequest)

	mu      sync.Mutex
	waiters map[string]*approvalWaiter // threadID + "\x00" + toolCallID
}

func NewApprovalBroker(worker *store.Worker, grants *GrantStore, autoAllow, alwaysDeny []string, notify func(ApprovalRequest)) *ApprovalBroker {
	toSet := func(names []string) map[string]bool {
		set := make(map[string]bool, len(names))
		for _, name := range names {
			set[name] = true
		}
		return set
	}
	return &ApprovalBroker{
		store:      worker,
		grants:     grants,
		autoAllow:  toSet(autoAllow),
		alwaysDeny: toSet(alwaysDeny),
		notify:     notify,
		waiters:    make(map[string]*approvalWaiter),
	}
}

// Gate decides whether a tool call may execute. Policy paths (always-deny,
// auto-allow, session grants, safe risk) resolve immediately without touching
// the event log; the interactive path records exactly one approval request and
// blocks until a decision arrives or ctx is cancelled.
func (b *ApprovalBroker) Gate(ctx context.Context, threadID string, call event.ToolCall, risk RiskLevel) (event.Decision, error) {
	if b.alwaysDeny[call.Name] {
		return event.DecisionDeny, nil
	}
	if b.autoAllow[call.Name] || risk == RiskSafe {
		return event.DecisionAllowOnce, nil
	}
	if b.grants != nil && b.grants.Granted(threadID, call.Name) {
		return event.DecisionAllowSession, nil
	}

	waiter := &approvalWaiter{ch: make(chan event.Decision, 1), toolName: call.Name}
	key := waiterKey(threadID, call.ID)

	b.mu.Lock()
	b.waiters[key] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, key)
		b.mu.Unlock()
	}()

	payload := event.ApprovalRequestPayload{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Risk:       string(risk),
		Reason:     fmt.Sprintf("%s requires approval (%s)", call.Name, risk),
	}
	if _, err := b.store.Append(threadID, event.TypeApprovalRequest, payload); err != nil {
		return "", fmt.Errorf("record approval request: %w", err)
	}

	if b.notify != nil {
		b.notify(ApprovalRequest{ThreadID: threadID, Payload: payload})
	}

	select {
	case decision := <-waiter.ch:
		return decision, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w: %w", call.Name, kirokuErrors.ErrApprovalRequired, ctx.Err())
	}
}

// SubmitDecision records the decision for a pending approval request. The
// event log is the arbiter: a second decision for the same tool call comes
// back as ErrConflict and the first one stands. A decision whose waiter is
// gone (for example after a restart) is still recorded.
func (b *ApprovalBroker) SubmitDecision(threadID, toolCallID string, decision event.Decision) error {
	_, err := b.store.Append(threadID, event.TypeApprovalResponse, event.ApprovalResponsePayload{
		ToolCallID: toolCallID,
		Decision:   decision,
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	waiter := b.waiters[waiterKey(threadID, toolCallID)]
	b.mu.Unlock()

	if decision == event.DecisionAllowSession && b.grants != nil {
		toolName := ""
		if waiter != nil {
			toolName = waiter.toolName
		} else {
			toolName = b.lookupToolName(threadID, toolCallID)
		}
		if toolName != "" {
			if grantErr := b.grants.Grant(threadID, toolName); grantErr != nil {
				slog.Warn("Failed to persist session grant", "thread_id", threadID, "tool", toolName, "error", grantErr)
			}
		}
	}

	if waiter != nil {
		select {
		case waiter.ch <- decision:
		default:
		}
	}
	return nil
}

// Pending lists approval requests on the thread that have no recorded
// decision yet.
func (b *ApprovalBroker) Pending(threadID string) ([]event.ApprovalRequestPayload, error) {
	events, err := b.store.ListEvents(threadID)
	if err != nil {
		return nil, err
	}

	decided := make(map[string]bool)
	requests := make(map[string]event.ApprovalRequestPayload)
	var order []string
	for _, evt := range events {
		payload, err := event.DecodePayload(evt)
		if err != nil {
			continue
		}
		switch p := payload.(type) {
		case *event.ApprovalRequestPayload:
			requests[p.ToolCallID] = *p
			order = append(order, p.ToolCallID)
		case *event.ApprovalResponsePayload:
			decided[p.ToolCallID] = true
		}
	}

	var pending []event.ApprovalRequestPayload
	for _, id := range order {
		if !decided[id] {
			pending = append(pending, requests[id])
		}
	}
	return pending, nil
}

func (b *ApprovalBroker) lookupToolName(threadID, toolCallID string) string {
	events, err := b.store.ListEvents(threadID)
	if err != nil {
		return ""
	}
	for _, evt := range events {
		if evt.Type != event.TypeApprovalRequest {
			continue
		}
		payload, err := event.DecodePayload(evt)
		if err != nil {
			continue
		}
		if p, ok := payload.(*event.ApprovalRequestPayload); ok && p.ToolCallID == toolCallID {
			return p.ToolName
		}
	}
	return ""
}

func waiterKey(threadID, toolCallID string) string {
	return threadID + "\x00" + toolCallID
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/harunnryd/kiroku/internal/agent"
	"github.com/harunnryd/kiroku/internal/concurrency"
	kirokuErrors "github.com/harunnryd/kiroku/internal/errors"
	"github.com/harunnryd/kiroku/internal/event"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an interactive session",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		threadFlag, _ := cmd.Flags().GetString("thread")
		repl := newREPL(rt, threadFlag)
		return repl.loop()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("thread", "", "thread id to resume (default: most recent, or a new thread)")
}

type repl struct {
	rt       *runtimeComponents
	threadID string

	mu   sync.Mutex
	busy bool
}

func newREPL(rt *runtimeComponents, threadID string) *repl {
	if threadID == "" {
		threadID = rt.worker.LatestThreadID()
	}
	if threadID == "" {
		threadID = rt.worker.CreateThread()
	}
	return &repl{rt: rt, threadID: threadID}
}

func (r *repl) loop() error {
	notifications, unsubscribe := r.rt.notifier.Subscribe(256)
	defer unsubscribe()
	go r.render(notifications)

	fmt.Printf("kiroku — thread %s (model %s)\n", r.threadID, r.rt.cfg.Models.Default)
	fmt.Println(`Type a message, or /help for commands.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}
		r.send(line)
	}
}

// render drains notifications in the background so streaming output appears
// while a turn runs.
func (r *repl) render(notifications <-chan agent.Notification) {
	for n := range notifications {
		switch n.Type {
		case agent.NotificationStreamDelta:
			fmt.Print(n.Text)
		case agent.NotificationApprovalRequest:
			fmt.Printf("\n[approval needed] %s (%s) call %s — /approve %s, /approve %s session, or /deny %s\n",
				n.Approval.ToolName, n.Approval.Risk, n.Approval.ToolCallID,
				n.Approval.ToolCallID, n.Approval.ToolCallID, n.Approval.ToolCallID)
		case agent.NotificationToolResult:
			status := "ok"
			if n.Result.IsError {
				status = "error"
			}
			fmt.Printf("\n[tool %s: %s]\n", n.Result.ID, status)
		}
	}
}

func (r *repl) send(text string) {
	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		fmt.Println("A turn is already running; /abort it first.")
		return
	}
	r.busy = true
	r.mu.Unlock()

	concurrency.SafeGo(func() {
		defer func() {
			r.mu.Lock()
			r.busy = false
			r.mu.Unlock()
		}()

		_, err := r.rt.manager.HandleUserMessage(context.Background(), r.threadID, text)
		switch {
		case errors.Is(err, context.Canceled):
			fmt.Println("\n[turn aborted]")
		case errors.Is(err, kirokuErrors.ErrBusy):
			fmt.Println("Thread is busy.")
		case kirokuErrors.IsRetryable(err):
			fmt.Printf("\ntransient error, try again: %v\n", err)
		case err != nil:
			fmt.Printf("\nerror: %v\n", err)
		default:
			fmt.Println()
		}
	}, nil)
}

// command handles slash commands; returns true when the REPL should exit.
func (r *repl) command(line string) bool {
	parts, err := shlex.Split(line)
	if err != nil {
		parts = strings.Fields(line)
	}
	if len(parts) == 0 {
		return false
	}

	switch parts[0] {
	case "/exit", "/quit":
		return true
	case "/help":
		fmt.Println(`Commands:
  /new                       start a new thread
  /thread <id>               switch to a thread
  /pending                   list approvals waiting on this thread
  /approve <call> [session]  approve a pending tool call
  /deny <call>               deny a pending tool call
  /abort                     cancel the running turn
  /exit                      quit`)
	case "/new":
		r.threadID = r.rt.worker.CreateThread()
		fmt.Printf("Switched to new thread %s\n", r.threadID)
	case "/thread":
		if len(parts) < 2 {
			fmt.Println("usage: /thread <id>")
			return false
		}
		if _, err := r.rt.worker.Resolve(parts[1]); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		r.threadID = parts[1]
		fmt.Printf("Switched to thread %s\n", r.threadID)
	case "/pending":
		r.showPending()
	case "/approve":
		if len(parts) < 2 {
			fmt.Println("usage: /approve <call-id> [session]")
			return false
		}
		decision := event.DecisionAllowOnce
		if len(parts) > 2 && parts[2] == "session" {
			decision = event.DecisionAllowSession
		}
		r.decide(parts[1], decision)
	case "/deny":
		if len(parts) < 2 {
			fmt.Println("usage: /deny <call-id>")
			return false
		}
		r.decide(parts[1], event.DecisionDeny)
	case "/abort":
		r.rt.manager.Abort(r.threadID)
	default:
		fmt.Printf("unknown command %s (try /help)\n", parts[0])
	}
	return false
}

func (r *repl) showPending() {
	physical, err := r.rt.worker.Resolve(r.threadID)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	pending, err := r.rt.broker.Pending(physical)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return
	}
	for _, req := range pending {
		fmt.Printf("  %s  %s (%s)\n", req.ToolCallID, req.ToolName, req.Risk)
	}
}

func (r *repl) decide(callID string, decision event.Decision) {
	physical, err := r.rt.worker.Resolve(r.threadID)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	err = r.rt.broker.SubmitDecision(physical, callID, decision)
	switch {
	case errors.Is(err, kirokuErrors.ErrConflict):
		fmt.Println("Already decided; the first decision stands.")
	case errors.Is(err, kirokuErrors.ErrNotFound):
		fmt.Println("No pending approval with that call id.")
	case err != nil:
		fmt.Printf("error: %v\n", err)
	default:
		fmt.Printf("Recorded %s for %s\n", decision, callID)
	}
}

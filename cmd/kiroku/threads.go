package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/harunnryd/kiroku/internal/thread"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List conversation threads in the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		threads := rt.worker.ListThreads()
		sort.Slice(threads, func(i, j int) bool {
			return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
		})

		if len(threads) == 0 {
			fmt.Println("No threads yet.")
			return nil
		}
		for _, meta := range threads {
			marker := " "
			if meta.Superseded {
				marker = "s"
			}
			fmt.Printf("%s %s  updated %s\n", marker, meta.ID, meta.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print the reconstructed conversation for a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		physical, err := rt.worker.Resolve(args[0])
		if err != nil {
			return err
		}
		events, err := rt.worker.ListEvents(physical)
		if err != nil {
			return err
		}
		conv, err := thread.Reconstruct(events)
		if err != nil {
			return err
		}

		if conv.Summary != "" {
			fmt.Printf("[summary] %s\n\n", conv.Summary)
		}
		for _, msg := range conv.Messages {
			switch msg.Role {
			case "tool":
				status := ""
				if msg.IsError {
					status = " (error)"
				}
				fmt.Printf("tool %s%s\n", msg.ToolCallID, status)
			default:
				fmt.Printf("%s: %s\n", msg.Role, msg.Content)
				for _, call := range msg.ToolCalls {
					fmt.Printf("  -> %s %s\n", call.Name, string(call.Arguments))
				}
			}
		}
		if len(conv.Pending) > 0 {
			fmt.Println("\nPending tool calls:")
			for _, call := range conv.Pending {
				fmt.Printf("  %s %s\n", call.ID, call.Name)
			}
		}
		return nil
	},
}

func init() {
	threadsCmd.AddCommand(threadsShowCmd)
	rootCmd.AddCommand(threadsCmd)
}

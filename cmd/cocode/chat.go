package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cocode/cocode/internal/agent"
	"github.com/cocode/cocode/internal/config"
	"github.com/cocode/cocode/pkg/models"
)

// buildChatCmd opens a line-oriented REPL driving agent.Loop against
// stdin/stdout. The TUI renderer proper is out of scope here, so this is
// the minimal non-UI harness the engine is testable through: one line in,
// one streamed turn out, repeat until EOF or an interrupt.
func buildChatCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start or resume a chat session bound to the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determine working directory: %w", err)
			}

			loop, store, err := buildLoop(cfg, cwd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := store.GetOrCreate(ctx, cwd)
			if err != nil {
				return fmt.Errorf("resume session for %s: %w", cwd, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cocode session %s (%s)\n", session.ID, cwd)
			return runREPL(ctx, cmd.InOrStdin(), out, loop, session)
		},
	}
}

// buildResumeCmd loads an existing session by id, replays its history to
// stdout, and continues the REPL from there.
func buildResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a session by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determine working directory: %w", err)
			}

			loop, store, err := buildLoop(cfg, cwd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := store.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load session %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			replayHistory(out, session)
			return runREPL(ctx, cmd.InOrStdin(), out, loop, session)
		},
	}
}

func replayHistory(out io.Writer, session *models.Session) {
	for _, msg := range session.History {
		text := msg.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(out, "[%s] %s\n", msg.Role, text)
	}
}

// runREPL reads one line per turn from in, drives it through loop.Run, and
// streams the assistant's response to out until in reaches EOF or ctx is
// cancelled.
func runREPL(ctx context.Context, in io.Reader, out io.Writer, loop *agent.Loop, session *models.Session) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}

		msg := &models.Message{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{{Type: models.BlockText, Text: line}},
		}

		events, err := loop.Run(ctx, session, msg)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		if err := renderEvents(ctx, out, events); err != nil {
			return err
		}
	}
}

// renderEvents drains one turn's event stream, printing model text deltas
// verbatim and a one-line summary for tool calls, until the run terminates.
func renderEvents(ctx context.Context, out io.Writer, events <-chan models.AgentEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			switch event.Type {
			case models.AgentEventModelDelta:
				if event.Stream != nil {
					fmt.Fprint(out, event.Stream.Delta)
				}
			case models.AgentEventToolStarted:
				if event.Tool != nil {
					fmt.Fprintf(out, "\n[tool %s]\n", event.Tool.Name)
				}
			case models.AgentEventToolFinished:
				if event.Tool != nil && !event.Tool.Success {
					fmt.Fprintf(out, "[tool %s failed]\n", event.Tool.Name)
				}
			case models.AgentEventContextPacked:
				if event.Context != nil && event.Context.Dropped > 0 {
					fmt.Fprintf(out, "\n[context: dropped %d, kept %d]\n", event.Context.Dropped, event.Context.Included)
				}
			case models.AgentEventRunError:
				if event.Error != nil {
					fmt.Fprintf(out, "\nerror: %s\n", event.Error.Message)
				}
			case models.AgentEventRunFinished, models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
				fmt.Fprintln(out)
				return nil
			}
		}
	}
}

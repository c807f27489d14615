package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/commands"
	"github.com/marrow-labs/homegate/internal/config"
	"github.com/marrow-labs/homegate/internal/router"
	"github.com/marrow-labs/homegate/internal/sessions"
)

// stdoutDeliverer implements router.Deliverer by printing straight to the
// terminal, for the standalone REPL modes (chat/talk/coding/resume) that run
// in-process against the same component graph the daemon uses, without a
// ChannelHub or any channel adapter in the loop.
type stdoutDeliverer struct{}

func (stdoutDeliverer) Deliver(_ context.Context, out bus.OutboundMessage, _ string) error {
	fmt.Println(out.Content)
	return nil
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session in this terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL("chat", "")
		},
	}
}

func talkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "talk",
		Short: "Alias for chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL("talk", "")
		},
	}
}

func codingCmd() *cobra.Command {
	var newSession bool
	var sessionLabel string
	c := &cobra.Command{
		Use:   "coding",
		Short: "Start a chat session under the coding label",
		RunE: func(cmd *cobra.Command, args []string) error {
			label := sessionLabel
			if label == "" {
				label = "coding"
			}
			if newSession {
				label = fmt.Sprintf("%s-%d", label, sessionlogSuffix())
			}
			return runREPL(label, "")
		},
	}
	c.Flags().BoolVar(&newSession, "new-session", false, "start a fresh coding session instead of resuming the last one")
	c.Flags().StringVar(&sessionLabel, "session", "", "session label to use instead of \"coding\"")
	return c
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <key>",
		Short: "Resume an existing session by its full key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL("", args[0])
		},
	}
}

// runREPL builds the full in-process component graph (same wiring buildCore
// gives the daemon) and drives router.Router.Handle directly against a
// stdout Deliverer, one line of stdin at a time. label builds a direct "cli"
// session key via sessions.BuildSessionKey; an explicit full key (from
// `resume`) is used verbatim instead.
//
// Grounded on the teacher's cmd/agent_chat_standalone.go runStandaloneMode:
// same bufio.Scanner-over-stdin loop, same signal.NotifyContext Ctrl+C
// handling, same "exit"/"quit" special inputs — adapted from
// agent.Loop.Run to router.Router.Handle, since this gateway has no
// AgentLoop/bootstrap split.
func runREPL(label, fullKey string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.HasAnyProvider() {
		fmt.Println("No AI provider API key configured. Run `homegate onboard` to set one up.")
		os.Exit(1)
	}

	c, err := buildCore(cfg)
	if err != nil {
		return err
	}

	sessionKey := fullKey
	if sessionKey == "" {
		sessionKey = sessions.BuildSessionKey(cfg.AgentID, "cli", sessions.PeerDirect, label)
	}
	if err := sessions.Validate(sessionKey); err != nil {
		return fmt.Errorf("invalid session key %q: %w", sessionKey, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c.queue.Start(ctx)

	cmdHandler := commands.New(c.registry, c.store, c.queue, c.rt, nil, nil)
	r := router.New(c.log, c.buf, c.ar, c.asm, c.queue, c.ex, cmdHandler, stdoutDeliverer{})

	fmt.Fprintf(os.Stderr, "homegate — interactive chat\n")
	fmt.Fprintf(os.Stderr, "session: %s\n", sessionKey)
	fmt.Fprintf(os.Stderr, "type \"exit\" to quit\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\ngoodbye")
			return nil
		default:
		}

		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "goodbye")
			return nil
		}

		if err := r.Handle(ctx, router.Inbound{
			SessionKey: sessionKey,
			Channel:    "cli",
			ChatID:     label,
			Content:    input,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return nil
}

// sessionlogSuffix gives --new-session a distinguishing tag without reaching
// for time.Now (sessions are keyed by arbitrary strings, not timestamps;
// the process ID keeps repeated --new-session runs from colliding).
func sessionlogSuffix() int {
	return os.Getpid()
}

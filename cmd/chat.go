package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/psi-gfa/opsagent/core/agent"
	opserr "github.com/psi-gfa/opsagent/core/errors"
	"github.com/psi-gfa/opsagent/core/events"
	"github.com/psi-gfa/opsagent/core/prompt"
	"github.com/psi-gfa/opsagent/core/session"
	"github.com/psi-gfa/opsagent/core/tools"
	"github.com/psi-gfa/opsagent/core/transport"
)

var flagNewSession bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with the assistant",
	Long: `Starts an interactive conversation. The latest session is resumed
unless --new is given. Type /exit to leave, /clear to drop the
conversation history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		return runChat(cmd.Context(), a)
	},
}

func init() {
	chatCmd.Flags().BoolVar(&flagNewSession, "new", false, "start a fresh session")
	rootCmd.AddCommand(chatCmd)
}

func runChat(ctx context.Context, a *app) error {
	store, err := a.sessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sess := resumeOrCreate(store)

	runtime, err := newTurnRuntime(ctx, a, sess.Settings)
	if err != nil {
		return err
	}
	defer runtime.close()

	fmt.Printf("session %s (%d messages). /exit to quit.\n", sess.ID, sess.Len())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return store.Save(sess)
		case line == "/clear":
			sess.Clear()
			if err := store.Save(sess); err != nil {
				return err
			}
			fmt.Println("history cleared")
			continue
		}

		if err := runtime.turn(ctx, a, store, sess, line); err != nil {
			if errors.Is(err, context.Canceled) || opserr.IsKind(err, opserr.KindCancellation) {
				continue
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return store.Save(sess)
}

func resumeOrCreate(store *session.Store) *session.Session {
	if !flagNewSession {
		if sess, err := store.Latest(); err == nil {
			return sess
		}
	}
	return session.New()
}

// turnRuntime holds the long-lived collaborators shared by every turn
// of one chat: the LLM client, the tool transport, and the event bus.
type turnRuntime struct {
	orch    *agent.Orchestrator
	manager *transport.Manager
	bus     *events.Bus
	closers []func()
}

func newTurnRuntime(ctx context.Context, a *app, settings session.Settings) (*turnRuntime, error) {
	cfg := a.config.Get()

	llm, err := a.llmClient(ctx)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	bus.Subscribe(&events.FuncSubscriber{
		SubID: "cli",
		Fn:    printEvent,
	})

	rt := &turnRuntime{bus: bus, closers: []func(){bus.Close}}

	registry, err := tools.NewRegistry(cfg.Tools.Allow, a.logger)
	if err != nil {
		return nil, err
	}
	var caller agent.ToolCaller
	if cfg.Tools.Enabled && settings.ToolsEnabled {
		reg, manager, err := a.toolRuntime(ctx)
		if err != nil {
			bus.Close()
			return nil, err
		}
		registry = reg
		caller = manager
		rt.manager = manager
		rt.closers = append(rt.closers, func() { manager.Close() })
	}

	rt.orch = agent.New(llm, registry, caller, bus, a.logger,
		orchestratorOptions(cfg, settings, registry.List()))
	return rt, nil
}

func (r *turnRuntime) close() {
	for _, fn := range r.closers {
		fn()
	}
}

// beginTurn resets tool-server availability before a turn.
func (r *turnRuntime) beginTurn() {
	if r.manager != nil {
		r.manager.BeginTurn()
	}
}

// turn runs one user query through the agent and persists the
// exchange. Ctrl-C cancels the turn without leaving the chat.
func (r *turnRuntime) turn(ctx context.Context, a *app, store *session.Store, sess *session.Session, query string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	turnID := uuid.NewString()
	r.beginTurn()

	history := historyMessages(sess)
	sess.Append(session.RoleUser, query)

	result, err := r.orch.RunTurn(turnCtx, agent.TurnInput{
		TurnID:  turnID,
		Query:   query,
		History: history,
	})
	if err != nil {
		return err
	}
	fmt.Println()

	sess.Append(session.RoleAssistant, result.Answer)
	if err := store.Save(sess); err != nil {
		return err
	}

	for _, inv := range result.Invocations {
		detail := inv.Tool
		if inv.Err != nil {
			detail += ": " + inv.Err.Error()
		}
		if err := store.LogExecution(sess.ID, turnID, agent.StepExecute, detail); err != nil {
			a.logger.Warn("execution log write failed", "error", err)
		}
	}
	return nil
}

func historyMessages(sess *session.Session) []prompt.Message {
	recent := sess.Recent(sess.Settings.MaxHistoryMessages)
	history := make([]prompt.Message, 0, len(recent))
	for _, m := range recent {
		history = append(history, prompt.Message{Role: m.Role, Content: m.Content})
	}
	return history
}

// printEvent renders turn events for the terminal: tokens stream to
// stdout, everything else goes to stderr.
func printEvent(event events.Event) error {
	switch event.Type {
	case events.TypeStreamedToken:
		fmt.Print(event.Token)
	case events.TypeStepStarted:
		fmt.Fprintf(os.Stderr, "[%s]\n", event.Step)
	case events.TypeClarificationPrompt:
		// The clarification is the answer; tokens were never streamed.
		fmt.Println(event.Message)
	case events.TypeCanceled:
		fmt.Fprintln(os.Stderr, "\n(turn canceled)")
	case events.TypeError:
		fmt.Fprintf(os.Stderr, "\nturn failed: %s\n", event.Message)
	}
	return nil
}

// Command cond is the command-line client for conductord.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drewfead/conductor/internal/config"
	"github.com/drewfead/conductor/internal/control"
)

var (
	cfg *config.Config

	socketPath  string
	workspaceID string
	jsonOutput  bool
)

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		os.Exit(1)
	}
}

func getClient() (*control.Client, error) {
	socket := socketPath
	if socket == "" {
		socket = cfg.Daemon.Socket
	}
	c, err := control.NewClient(socket)
	if err != nil {
		return nil, fmt.Errorf("conductord is not running at %s (start it with: conductord)", socket)
	}
	return c, nil
}

var rootCmd = &cobra.Command{
	Use:   "cond",
	Short: "Drive coding-agent threads through conductord",
	Long: `cond - command-line client for the conductor daemon.

Workspaces are project directories bound to one agent backend.
Threads are conversations inside a workspace.

Commands that act on a workspace take -w <id|name>. Without it, the
workspace containing the current directory is used, or the only one
registered.

Examples:
  cond                               # Daemon status
  cond ws add ~/src/api --kind sdk   # Register a workspace
  cond thread start                  # New thread in this workspace
  cond send th-123 "fix the tests"   # Start a turn
  cond events --follow               # Stream live events`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

// Workspace commands
var wsCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Manage workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceList()
	},
}

var wsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceList()
	},
}

var wsAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a project directory",
	Long: `Register a project directory with a backend.

Kinds:
  legacy  app-server subprocess (default)
  sdk     agent-client-protocol subprocess
  remote  backend daemon over a websocket (--bin is the ws:// URL)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		bin, _ := cmd.Flags().GetString("bin")
		binArgs, _ := cmd.Flags().GetStringArray("arg")
		connect, _ := cmd.Flags().GetBool("connect")
		return runWorkspaceAdd(control.AddWorkspaceRequest{
			ID:      id,
			Name:    name,
			Path:    args[0],
			Kind:    kind,
			Bin:     bin,
			Args:    binArgs,
			Connect: connect,
		})
	},
}

var wsRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Forget a workspace and its thread history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceRemove(args[0])
	},
}

var wsConnectCmd = &cobra.Command{
	Use:   "connect [id]",
	Short: "Open the workspace's backend session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceConnect(firstArg(args), true)
	},
}

var wsDisconnectCmd = &cobra.Command{
	Use:   "disconnect [id]",
	Short: "Close the workspace's backend session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkspaceConnect(firstArg(args), false)
	},
}

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Reconnect workspaces whose backend has gone away",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFocus()
	},
}

// Thread commands
var threadCmd = &cobra.Command{
	Use:     "thread",
	Aliases: []string{"th"},
	Short:   "Manage threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadList(false)
	},
}

var threadListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show the workspace's threads as a tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return runThreadList(all)
	},
}

var threadStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new thread",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadStart()
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print a thread's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadShow(args[0])
	},
}

var threadResumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Reload a thread's items from the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadResume(args[0])
	},
}

var threadArchiveCmd = &cobra.Command{
	Use:   "archive <thread-id>",
	Short: "Archive a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadAction("archived", args[0], func(ctx context.Context, c *control.Client, ws string) error {
			return c.ArchiveThread(ctx, ws, args[0])
		})
	},
}

var threadRemoveCmd = &cobra.Command{
	Use:     "remove <thread-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a thread locally",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadAction("removed", args[0], func(ctx context.Context, c *control.Client, ws string) error {
			return c.RemoveThread(ctx, ws, args[0])
		})
	},
}

var threadForkCmd = &cobra.Command{
	Use:   "fork <thread-id>",
	Short: "Fork a thread into a new one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seedPlan, _ := cmd.Flags().GetBool("seed-plan")
		return runThreadFork(args[0], seedPlan)
	},
}

var threadReviewCmd = &cobra.Command{
	Use:   "review <thread-id> [instructions...]",
	Short: "Start a code review",
	Long: `Start a code review on a thread.

Without instructions the review covers uncommitted changes.
--detached runs the review in its own thread and posts a notice
back to the parent when it finishes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detached, _ := cmd.Flags().GetBool("detached")
		base, _ := cmd.Flags().GetString("base")
		return runThreadReview(args[0], strings.Join(args[1:], " "), base, detached)
	},
}

var threadRenameCmd = &cobra.Command{
	Use:   "rename <thread-id> <name>",
	Short: "Set a thread's display name",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := strings.Join(args[1:], " ")
		return runThreadAction("renamed", args[0], func(ctx context.Context, c *control.Client, ws string) error {
			return c.SetThreadName(ctx, control.SetThreadNameRequest{
				WorkspaceID: ws,
				ThreadID:    args[0],
				Name:        name,
			})
		})
	},
}

var threadPinCmd = &cobra.Command{
	Use:   "pin <thread-id>",
	Short: "Pin a thread to the top of the list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unpin, _ := cmd.Flags().GetBool("unpin")
		verb := "pinned"
		if unpin {
			verb = "unpinned"
		}
		return runThreadAction(verb, args[0], func(ctx context.Context, c *control.Client, ws string) error {
			return c.PinThread(ctx, control.PinThreadRequest{
				WorkspaceID: ws,
				ThreadID:    args[0],
				Pinned:      !unpin,
			})
		})
	},
}

var threadReadCmd = &cobra.Command{
	Use:   "read <thread-id>",
	Short: "Clear a thread's unread marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadAction("marked read", args[0], func(ctx context.Context, c *control.Client, ws string) error {
			return c.MarkThreadRead(ctx, ws, args[0])
		})
	},
}

var threadActivateCmd = &cobra.Command{
	Use:   "activate <thread-id>",
	Short: "Make a thread the workspace's active thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadAction("activated", args[0], func(ctx context.Context, c *control.Client, ws string) error {
			return c.SetActiveThread(ctx, ws, args[0])
		})
	},
}

// Turn commands
var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <message...>",
	Short: "Send a user message, starting a turn",
	Long: `Send a user message to a thread.

Use "-" as the message to read it from stdin.
--wait streams the turn's events until it completes.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		effort, _ := cmd.Flags().GetString("effort")
		wait, _ := cmd.Flags().GetBool("wait")
		return runSend(args[0], strings.Join(args[1:], " "), model, effort, wait)
	},
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt <thread-id>",
	Short: "Interrupt the thread's running turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runThreadAction("interrupted", args[0], func(ctx context.Context, c *control.Client, ws string) error {
			return c.InterruptTurn(ctx, ws, args[0])
		})
	},
}

// Approval commands
var approvalCmd = &cobra.Command{
	Use:     "approval",
	Aliases: []string{"ap"},
	Short:   "Review pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApprovalList()
	},
}

var approvalListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List pending approvals and remembered rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApprovalList()
	},
}

var approvalRespondCmd = &cobra.Command{
	Use:   "respond <approval-id> <accept|decline|cancel>",
	Short: "Answer a pending approval",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remember, _ := cmd.Flags().GetBool("remember")
		answers, _ := cmd.Flags().GetStringToString("answer")
		return runApprovalRespond(args[0], args[1], answers, remember)
	},
}

var approvalRememberCmd = &cobra.Command{
	Use:   "remember <kind> [command...]",
	Short: "Auto-accept future approvals that match",
	Long: `Add an allowlist rule.

Kinds are commandExecution, fileChange, permission and userInput.
A command is matched by prefix:

  cond approval remember commandExecution go test`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApprovalRemember(args[0], args[1:])
	},
}

// Backend queries
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the backend's models",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery("models")
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show the backend account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery("account")
	},
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show the backend's rate limits",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery("limits")
	},
}

// Events
var eventsCmd = &cobra.Command{
	Use:   "events [thread-id]",
	Short: "Show journaled events, or stream live ones",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")
		if follow {
			return runEventsFollow(firstArg(args), all)
		}
		return runEventsList(firstArg(args), limit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "Control socket (default from config)")
	rootCmd.PersistentFlags().StringVarP(&workspaceID, "workspace", "w", "", "Workspace id or name")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")

	// Workspace flags
	wsAddCmd.Flags().String("id", "", "Workspace id (default generated)")
	wsAddCmd.Flags().StringP("name", "n", "", "Display name (default directory name)")
	wsAddCmd.Flags().StringP("kind", "k", "legacy", "Backend kind: legacy, sdk, remote")
	wsAddCmd.Flags().String("bin", "", "Backend binary, or URL for remote")
	wsAddCmd.Flags().StringArray("arg", nil, "Backend argument (repeatable)")
	wsAddCmd.Flags().Bool("connect", false, "Connect after registering")
	wsCmd.AddCommand(wsListCmd, wsAddCmd, wsRemoveCmd, wsConnectCmd, wsDisconnectCmd)

	// Thread flags
	threadListCmd.Flags().BoolP("all", "a", false, "Include archived threads")
	threadForkCmd.Flags().Bool("seed-plan", false, "Carry the latest plan into the fork")
	threadReviewCmd.Flags().Bool("detached", false, "Run the review in its own thread")
	threadReviewCmd.Flags().String("base", "", "Review changes against this base branch")
	threadPinCmd.Flags().Bool("unpin", false, "Unpin instead")
	threadCmd.AddCommand(threadListCmd, threadStartCmd, threadShowCmd, threadResumeCmd,
		threadArchiveCmd, threadRemoveCmd, threadForkCmd, threadReviewCmd,
		threadRenameCmd, threadPinCmd, threadReadCmd, threadActivateCmd)

	// Turn flags
	sendCmd.Flags().StringP("model", "m", "", "Model override")
	sendCmd.Flags().String("effort", "", "Reasoning effort override")
	sendCmd.Flags().Bool("wait", false, "Stream events until the turn completes")

	// Approval flags
	approvalRespondCmd.Flags().Bool("remember", false, "Also allowlist matching requests")
	approvalRespondCmd.Flags().StringToString("answer", nil, "Answer for a userInput question (id=value)")
	approvalCmd.AddCommand(approvalListCmd, approvalRespondCmd, approvalRememberCmd)

	// Event flags
	eventsCmd.Flags().BoolP("follow", "f", false, "Stream live events")
	eventsCmd.Flags().IntP("limit", "n", 50, "Number of journaled events")
	eventsCmd.Flags().Bool("all", false, "Follow every workspace")

	rootCmd.AddCommand(wsCmd, focusCmd, threadCmd, sendCmd, interruptCmd,
		approvalCmd, modelsCmd, accountCmd, limitsCmd, eventsCmd)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

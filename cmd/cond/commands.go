package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/drewfead/conductor/internal/control"
	"github.com/drewfead/conductor/internal/event"
)

// callTimeout bounds a single request. Backend round trips such as
// thread/resume can be slow on large histories.
const callTimeout = 2 * time.Minute

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// withClient dials the daemon, runs fn and closes the connection.
func withClient(fn func(ctx context.Context, c *control.Client) error) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := callContext()
	defer cancel()
	return fn(ctx, c)
}

// withWorkspace is withClient plus workspace resolution.
func withWorkspace(fn func(ctx context.Context, c *control.Client, ws string) error) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		ws, err := resolveWorkspace(ctx, c)
		if err != nil {
			return err
		}
		return fn(ctx, c, ws)
	})
}

func resolveWorkspace(ctx context.Context, c *control.Client) (string, error) {
	list, err := c.ListWorkspaces(ctx)
	if err != nil {
		return "", err
	}
	cwd, _ := os.Getwd()
	return pickWorkspace(list, workspaceID, cwd)
}

// pickWorkspace chooses the workspace a command acts on: the one named by
// want, else the deepest one containing cwd, else the only one.
func pickWorkspace(list []control.WorkspaceInfo, want, cwd string) (string, error) {
	if want != "" {
		for _, ws := range list {
			if ws.ID == want || ws.Name == want {
				return ws.ID, nil
			}
		}
		return "", fmt.Errorf("unknown workspace: %s", want)
	}
	if len(list) == 0 {
		return "", errors.New("no workspaces registered (add one with: cond ws add <path>)")
	}

	best, bestLen := "", -1
	for _, ws := range list {
		p := filepath.Clean(ws.Path)
		if cwd == p || strings.HasPrefix(cwd, p+string(filepath.Separator)) {
			if len(p) > bestLen {
				best, bestLen = ws.ID, len(p)
			}
		}
	}
	if best != "" {
		return best, nil
	}
	if len(list) == 1 {
		return list[0].ID, nil
	}
	return "", errors.New("several workspaces registered; pick one with -w <id|name>")
}

func runStatus() error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		status, err := c.Status(ctx)
		if err != nil {
			return err
		}
		workspaces, err := c.ListWorkspaces(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]any{"status": status, "workspaces": workspaces})
		}
		printStatus(os.Stdout, status)
		fmt.Println()
		printWorkspaces(os.Stdout, workspaces)
		return nil
	})
}

// ─── Workspaces ────────────────────────────────────────────────────────────

func runWorkspaceList() error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		workspaces, err := c.ListWorkspaces(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(workspaces)
		}
		printWorkspaces(os.Stdout, workspaces)
		return nil
	})
}

func runWorkspaceAdd(req control.AddWorkspaceRequest) error {
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return err
	}
	req.Path = path
	return withClient(func(ctx context.Context, c *control.Client) error {
		info, err := c.AddWorkspace(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(info)
		}
		fmt.Printf("%s workspace %s (%s) at %s\n", successMark(), bold(info.ID), info.Name, info.Path)
		return nil
	})
}

func runWorkspaceRemove(id string) error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		if err := c.RemoveWorkspace(ctx, id); err != nil {
			return err
		}
		fmt.Printf("%s removed workspace %s\n", successMark(), id)
		return nil
	})
}

func runWorkspaceConnect(id string, connect bool) error {
	if id != "" {
		workspaceID = id
	}
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		if connect {
			if err := c.ConnectWorkspace(ctx, ws); err != nil {
				return err
			}
			fmt.Printf("%s connected %s\n", successMark(), ws)
			return nil
		}
		if err := c.DisconnectWorkspace(ctx, ws); err != nil {
			return err
		}
		fmt.Printf("%s disconnected %s\n", successMark(), ws)
		return nil
	})
}

func runFocus() error {
	return withClient(func(ctx context.Context, c *control.Client) error {
		workspaces, err := c.AppFocus(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(workspaces)
		}
		printWorkspaces(os.Stdout, workspaces)
		return nil
	})
}

// ─── Threads ───────────────────────────────────────────────────────────────

func runThreadList(includeArchived bool) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		threads, err := c.ListThreads(ctx, ws, includeArchived)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(threads)
		}
		if len(threads) == 0 {
			fmt.Println(dim("No threads (start one with: cond thread start)"))
			return nil
		}
		active := ""
		if info, err := workspaceInfo(ctx, c, ws); err == nil {
			active = info.ActiveThreadID
		}
		printThreadTree(os.Stdout, threads, active)
		return nil
	})
}

func workspaceInfo(ctx context.Context, c *control.Client, id string) (*control.WorkspaceInfo, error) {
	list, err := c.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, fmt.Errorf("unknown workspace: %s", id)
}

func runThreadStart() error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		th, err := c.StartThread(ctx, ws)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(th)
		}
		fmt.Printf("%s started thread %s\n", successMark(), bold(th.ID))
		return nil
	})
}

func runThreadShow(threadID string) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		th, err := c.GetThread(ctx, ws, threadID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(th)
		}
		printThread(os.Stdout, th)
		return nil
	})
}

func runThreadResume(threadID string) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		th, err := c.ResumeThread(ctx, ws, threadID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(th)
		}
		printThread(os.Stdout, th)
		return nil
	})
}

func runThreadAction(verb, threadID string, op func(ctx context.Context, c *control.Client, ws string) error) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		if err := op(ctx, c, ws); err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", successMark(), verb, threadID)
		return nil
	})
}

func runThreadFork(threadID string, seedPlan bool) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		th, err := c.ForkThread(ctx, control.ForkThreadRequest{
			WorkspaceID: ws,
			ThreadID:    threadID,
			SeedPlan:    seedPlan,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(th)
		}
		fmt.Printf("%s forked %s into %s\n", successMark(), threadID, bold(th.ID))
		return nil
	})
}

// reviewTarget maps the command's arguments onto a review target.
func reviewTarget(instructions, base string) map[string]any {
	switch {
	case base != "":
		return map[string]any{"type": "baseBranch", "branch": base}
	case instructions != "":
		return map[string]any{"type": "custom", "instructions": instructions}
	default:
		return map[string]any{"type": "uncommittedChanges"}
	}
}

func runThreadReview(threadID, instructions, base string, detached bool) error {
	delivery := "inline"
	if detached {
		delivery = "detached"
	}
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		reviewID, err := c.StartReview(ctx, control.StartReviewRequest{
			WorkspaceID: ws,
			ThreadID:    threadID,
			Target:      reviewTarget(instructions, base),
			Delivery:    delivery,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(control.StartReviewResponse{ReviewThreadID: reviewID})
		}
		fmt.Printf("%s review running in %s\n", successMark(), bold(reviewID))
		return nil
	})
}

// ─── Turns ─────────────────────────────────────────────────────────────────

func readMessage(text string, stdin io.Reader) (string, error) {
	if text != "-" {
		return text, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "", errors.New("empty message on stdin")
	}
	return msg, nil
}

func runSend(threadID, text, model, effort string, wait bool) error {
	text, err := readMessage(text, os.Stdin)
	if err != nil {
		return err
	}

	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	ws, err := resolveWorkspace(callCtx, c)
	cancel()
	if err != nil {
		return err
	}

	// Subscribe before sending so no event of the turn is missed.
	var events <-chan event.Event
	if wait {
		sub, err := getClient()
		if err != nil {
			return err
		}
		defer sub.Close()
		events, err = sub.Subscribe(ctx, control.SubscribeRequest{WorkspaceID: ws, ThreadID: threadID})
		if err != nil {
			return err
		}
	}

	callCtx, cancel = context.WithTimeout(ctx, callTimeout)
	turnID, err := c.SendUserMessage(callCtx, control.SendMessageRequest{
		WorkspaceID: ws,
		ThreadID:    threadID,
		Text:        text,
		Model:       model,
		Effort:      effort,
	})
	cancel()
	if err != nil {
		return err
	}
	if !wait {
		if jsonOutput {
			return printJSON(control.SendMessageResponse{TurnID: turnID})
		}
		fmt.Printf("%s turn %s started\n", successMark(), bold(turnID))
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("daemon closed the event stream")
			}
			printEvent(os.Stdout, ev)
			if ev.Method == event.TurnCompleted && (turnID == "" || ev.TurnID() == turnID) {
				return nil
			}
		}
	}
}

// ─── Approvals ─────────────────────────────────────────────────────────────

func runApprovalList() error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		info, err := c.ListApprovals(ctx, ws)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(info)
		}
		printApprovals(os.Stdout, info)
		return nil
	})
}

func runApprovalRespond(approvalID, decision string, answers map[string]string, remember bool) error {
	switch decision {
	case "accept", "decline", "cancel":
	default:
		return fmt.Errorf("decision must be accept, decline or cancel, not %q", decision)
	}
	var ans map[string]any
	if len(answers) > 0 {
		ans = make(map[string]any, len(answers))
		for k, v := range answers {
			ans[k] = v
		}
	}
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		err := c.RespondToApproval(ctx, control.RespondApprovalRequest{
			WorkspaceID: ws,
			ApprovalID:  approvalID,
			Decision:    decision,
			Answers:     ans,
			Remember:    remember,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", successMark(), decision, approvalID)
		return nil
	})
}

func runApprovalRemember(kind string, command []string) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		rules, err := c.RememberApprovalRule(ctx, control.RememberRuleRequest{
			WorkspaceID: ws,
			Kind:        kind,
			Command:     command,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rules)
		}
		fmt.Printf("%s %d rule(s) for %s\n", successMark(), len(rules), ws)
		return nil
	})
}

// ─── Backend queries ───────────────────────────────────────────────────────

func runQuery(what string) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		var (
			raw json.RawMessage
			err error
		)
		switch what {
		case "models":
			raw, err = c.ModelList(ctx, ws)
		case "account":
			raw, err = c.AccountRead(ctx, ws)
		default:
			raw, err = c.AccountRateLimits(ctx, ws)
		}
		if err != nil {
			return err
		}
		return printRaw(os.Stdout, raw)
	})
}

// ─── Events ────────────────────────────────────────────────────────────────

func runEventsList(threadID string, limit int) error {
	return withWorkspace(func(ctx context.Context, c *control.Client, ws string) error {
		entries, err := c.ListEvents(ctx, control.ListEventsRequest{
			WorkspaceID: ws,
			ThreadID:    threadID,
			Limit:       limit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println(dim("No events recorded"))
			return nil
		}
		for _, e := range entries {
			var params map[string]any
			_ = json.Unmarshal([]byte(e.Params), &params)
			ev := event.Event{WorkspaceID: e.WorkspaceID, Method: e.Method, Params: params}
			fmt.Println(dim(e.Timestamp.Local().Format("15:04:05")) + " " + formatEvent(ev))
		}
		return nil
	})
}

func runEventsFollow(threadID string, all bool) error {
	c, err := getClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := control.SubscribeRequest{ThreadID: threadID}
	if !all {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		ws, err := resolveWorkspace(callCtx, c)
		cancel()
		if err != nil {
			return err
		}
		req.WorkspaceID = ws
	}

	events, err := c.Subscribe(ctx, req)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("daemon closed the event stream")
			}
			if jsonOutput {
				if err := printJSON(ev); err != nil {
					return err
				}
				continue
			}
			printEvent(os.Stdout, ev)
		}
	}
}

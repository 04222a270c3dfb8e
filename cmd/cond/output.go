package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/drewfead/conductor/internal/cli"
	"github.com/drewfead/conductor/internal/control"
	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/thread"
)

const (
	nameWidth    = 40
	previewWidth = 100
)

func bold(s string) string { return cli.Bolden(s) }
func dim(s string) string  { return cli.Dimmed(s) }

func successMark() string { return cli.GreenText(cli.CheckMark) }

func errorLine(err error) string {
	return cli.RedText("error:") + " " + err.Error()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRaw(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func printStatus(w io.Writer, s *control.StatusInfo) {
	fmt.Fprintf(w, "%s %s  %s\n", cli.BoldCyan("conductord"), s.Version, dim(fmt.Sprintf("pid %d", s.PID)))
	fmt.Fprintf(w, "  uptime      %s\n", (time.Duration(s.Uptime) * time.Second).String())
	fmt.Fprintf(w, "  workspaces  %d (%d connected)\n", s.Workspaces, s.Connected)
	fmt.Fprintf(w, "  clients     %d\n", s.Clients)
}

func printWorkspaces(w io.Writer, workspaces []control.WorkspaceInfo) {
	if len(workspaces) == 0 {
		fmt.Fprintln(w, dim("No workspaces (add one with: cond ws add <path>)"))
		return
	}
	fmt.Fprintln(w, bold("Workspaces"))
	for _, ws := range workspaces {
		state := cli.GrayText(cli.Circle)
		if ws.Connected {
			state = cli.GreenText(cli.Bullet)
		}
		extra := fmt.Sprintf("%d threads", ws.Threads)
		if ws.Approvals > 0 {
			extra += ", " + cli.YellowText(fmt.Sprintf("%d pending approvals", ws.Approvals))
		}
		fmt.Fprintf(w, "%s %-12s %-20s %-7s %s  %s\n",
			state, ws.ID, cli.Truncate(ws.Name, 20), string(ws.Kind), dim(ws.Path), extra)
	}
}

// threadTree nests forks and detached reviews under their parent. Threads
// whose parent is not listed are roots. Input order is preserved.
func threadTree(threads []thread.Thread, activeID string) []*cli.Node {
	nodes := make(map[string]*cli.Node, len(threads))
	for i := range threads {
		nodes[threads[i].ID] = &cli.Node{Label: threadLabel(&threads[i], threads[i].ID == activeID)}
	}
	var roots []*cli.Node
	for i := range threads {
		t := &threads[i]
		parent, ok := nodes[t.ParentID]
		if t.ParentID == "" || !ok || t.ParentID == t.ID {
			roots = append(roots, nodes[t.ID])
			continue
		}
		parent.Children = append(parent.Children, nodes[t.ID])
	}
	return roots
}

func printThreadTree(w io.Writer, threads []thread.Thread, activeID string) {
	cli.RenderTree(w, threadTree(threads, activeID))
}

func threadLabel(t *thread.Thread, active bool) string {
	var b strings.Builder
	switch {
	case t.Pinned:
		b.WriteString(cli.YellowText(cli.Pin))
	case t.Unread:
		b.WriteString(cli.CyanText(cli.Bullet))
	default:
		b.WriteString(" ")
	}
	b.WriteString(" ")

	name := t.DisplayName()
	if name == "" {
		name = "(untitled)"
	}
	name = cli.Truncate(name, nameWidth)
	if active {
		name = bold(name)
	}
	b.WriteString(name)
	b.WriteString("  ")
	b.WriteString(dim(t.ID))
	b.WriteString("  ")
	b.WriteString(cli.ThreadState(t.Status.Processing, t.Status.Reviewing, t.Archived))
	if !t.UpdatedAt.IsZero() {
		b.WriteString("  ")
		b.WriteString(dim(relativeTime(t.UpdatedAt)))
	}
	return b.String()
}

func relativeTime(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func printThread(w io.Writer, t *thread.Thread) {
	title := t.DisplayName()
	if title == "" {
		title = t.ID
	}
	fmt.Fprintf(w, "%s  %s  %s\n", cli.BoldCyan(title), dim(t.ID),
		cli.ThreadState(t.Status.Processing, t.Status.Reviewing, t.Archived))
	if t.ParentID != "" {
		fmt.Fprintf(w, "%s\n", dim("forked from "+t.ParentID))
	}
	fmt.Fprintln(w)
	for _, it := range t.Items {
		printItem(w, it)
	}
}

func printItem(w io.Writer, it thread.Item) {
	switch it.Kind {
	case thread.KindMessage:
		who := cli.CyanText("assistant")
		if it.Role == "user" {
			who = cli.GreenText("you")
		}
		fmt.Fprintf(w, "%s\n%s\n\n", bold(who), it.Text)
	case thread.KindReasoning:
		fmt.Fprintf(w, "%s\n\n", dim(it.Text))
	case thread.KindTool:
		title := it.Title
		if title == "" {
			title = it.ToolType
		}
		fmt.Fprintf(w, "%s %s %s\n", cli.YellowText("$"), title, dim(it.Status))
		if it.Output != "" {
			fmt.Fprintln(w, dim(indent(lastLines(it.Output, 10), "  ")))
		}
		fmt.Fprintln(w)
	case thread.KindDiff:
		fmt.Fprintf(w, "%s\n%s\n", bold("diff"), colorDiff(it.Diff))
	case thread.KindPlan:
		fmt.Fprintf(w, "%s\n", bold("plan"))
		if it.Text != "" {
			fmt.Fprintln(w, it.Text)
		}
		if steps, ok := it.Plan.([]any); ok {
			for _, s := range steps {
				step, _ := s.(map[string]any)
				mark := cli.Circle
				if status, _ := step["status"].(string); status == "completed" {
					mark = cli.CheckMark
				}
				text, _ := step["step"].(string)
				fmt.Fprintf(w, "  %s %s\n", mark, text)
			}
		}
		fmt.Fprintln(w)
	case thread.KindNotice:
		fmt.Fprintf(w, "%s %s\n\n", cli.CyanText(cli.Bullet), it.Text)
	case thread.KindError:
		fmt.Fprintf(w, "%s %s\n\n", cli.RedText("error"), it.Text)
	}
}

func colorDiff(diff string) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
			lines[i] = bold(l)
		case strings.HasPrefix(l, "+"):
			lines[i] = cli.GreenText(l)
		case strings.HasPrefix(l, "-"):
			lines[i] = cli.RedText(l)
		case strings.HasPrefix(l, "@@"):
			lines[i] = cli.CyanText(l)
		}
	}
	return strings.Join(lines, "\n")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func printApprovals(w io.Writer, info *control.ApprovalsInfo) {
	if len(info.Pending) == 0 {
		fmt.Fprintln(w, dim("No pending approvals"))
	} else {
		fmt.Fprintln(w, bold("Pending"))
		for _, a := range info.Pending {
			fmt.Fprintf(w, "%s %s  %s  %s\n", cli.YellowText(cli.Bullet), bold(a.ID), a.Kind, dim(a.ThreadID))
			if summary := approvalSummary(a.Payload); summary != "" {
				fmt.Fprintf(w, "    %s\n", cli.Truncate(summary, previewWidth))
			}
		}
	}
	if len(info.Rules) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, bold("Remembered"))
		for _, r := range info.Rules {
			fmt.Fprintf(w, "  %s %s %s\n", cli.GreenText(cli.CheckMark), r.Kind, strings.Join(r.Command, " "))
		}
	}
}

func approvalSummary(payload map[string]any) string {
	for _, key := range []string{"command", "reason", "title", "prompt"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func printEvent(w io.Writer, ev event.Event) {
	fmt.Fprintln(w, dim(time.Now().Format("15:04:05"))+" "+formatEvent(ev))
}

// formatEvent renders one canonical event as a single line.
func formatEvent(ev event.Event) string {
	prefix := ""
	if id := ev.ThreadID(); id != "" {
		prefix = dim(id) + " "
	}

	switch {
	case ev.Method == event.AgentMessageDelta, ev.Method == event.UserMessageDelta,
		ev.Method == event.ReasoningTextDelta, ev.Method == event.CommandOutputDelta:
		return prefix + dim(ev.Method) + " " + cli.Truncate(oneLine(ev.String("delta")), previewWidth)
	case ev.Method == event.TurnStarted:
		return prefix + cli.YellowText("turn started") + " " + dim(ev.TurnID())
	case ev.Method == event.TurnCompleted:
		status := ev.String("status")
		if status == "" {
			status, _ = ev.Map("turn")["status"].(string)
		}
		return prefix + cli.GreenText("turn completed") + " " + dim(ev.TurnID()) + " " + status
	case ev.Method == event.ItemCompleted:
		it := thread.ParseItem(ev.Map("item"))
		text := it.Text
		if it.Kind == thread.KindTool {
			text = it.Title
		}
		return prefix + string(it.Kind) + " " + cli.Truncate(oneLine(text), previewWidth)
	case ev.Method == event.Error:
		msg, _ := ev.Map("error")["message"].(string)
		return prefix + cli.RedText("error") + " " + msg
	case ev.IsApproval():
		return prefix + cli.YellowText("approval requested") + " " + ev.ApprovalKind()
	default:
		return prefix + ev.Method
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

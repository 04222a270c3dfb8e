package cli

import (
	"fmt"
	"io"
)

// Tree drawing characters
const (
	TreeBranch     = "├─ "
	TreeLastBranch = "└─ "
	TreeVertical   = "│  "
	TreeSpace      = "   "
)

// Status markers
const (
	Bullet    = "●"
	Circle    = "○"
	Pin       = "▲"
	CheckMark = "✓"
)

// Node is one line of a rendered tree.
type Node struct {
	Label    string
	Children []*Node
}

// RenderTree writes roots and their descendants with box-drawing guides.
func RenderTree(w io.Writer, roots []*Node) {
	for _, n := range roots {
		fmt.Fprintln(w, n.Label)
		renderChildren(w, n.Children, "")
	}
}

func renderChildren(w io.Writer, children []*Node, prefix string) {
	for i, c := range children {
		branch, next := TreeBranch, TreeVertical
		if i == len(children)-1 {
			branch, next = TreeLastBranch, TreeSpace
		}
		fmt.Fprintln(w, prefix+Dimmed(branch)+c.Label)
		renderChildren(w, c.Children, prefix+Dimmed(next))
	}
}

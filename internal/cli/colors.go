// Package cli provides shared output utilities for conductor commands.
package cli

import (
	"os"
	"sync"

	"golang.org/x/term"
)

// ANSI style codes
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Italic = "\033[3m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

var (
	colorsOnce    sync.Once
	colorsEnabled bool
)

// ColorsEnabled reports whether stdout is a terminal and NO_COLOR is unset.
func ColorsEnabled() bool {
	colorsOnce.Do(func() {
		colorsEnabled = term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
	})
	return colorsEnabled
}

// ForceColors enables or disables colors regardless of terminal detection.
func ForceColors(enabled bool) {
	colorsOnce.Do(func() {})
	colorsEnabled = enabled
}

// Styled wraps text with a style code and reset.
func Styled(text, code string) string {
	if !ColorsEnabled() {
		return text
	}
	return code + text + Reset
}

func Bolden(text string) string     { return Styled(text, Bold) }
func Dimmed(text string) string     { return Styled(text, Dim) }
func RedText(text string) string    { return Styled(text, Red) }
func GreenText(text string) string  { return Styled(text, Green) }
func YellowText(text string) string { return Styled(text, Yellow) }
func CyanText(text string) string   { return Styled(text, Cyan) }
func GrayText(text string) string   { return Styled(text, Gray) }
func BoldCyan(text string) string   { return Styled(text, Bold+Cyan) }

// ThreadState renders a thread's status as a short coloured word.
func ThreadState(processing, reviewing, archived bool) string {
	switch {
	case archived:
		return GrayText("archived")
	case reviewing:
		return Styled("reviewing", Magenta)
	case processing:
		return YellowText("working")
	default:
		return GreenText("idle")
	}
}

// Truncate shortens s to n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

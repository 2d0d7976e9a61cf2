package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kalambet/membot/internal/profile"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// printProfile writes the remembered facts in the same shape the bot sees.
func printProfile(w io.Writer, p profile.Profile) {
	name := p.Name
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(w, "  %s %s\n", colorize(colorCyan, "Name:"), name)
	fmt.Fprintf(w, "  %s %s\n", colorize(colorCyan, "Likes:"), listOrDash(p.Likes))
	fmt.Fprintf(w, "  %s %s\n", colorize(colorCyan, "Dislikes:"), listOrDash(p.Dislikes))
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

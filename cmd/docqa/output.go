package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Human-facing messages go to stderr; command results go to stdout so they
// can be piped.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// noColor disables ANSI colours in CLI output. NO_COLOR in the environment
// sets the default.
var noColor = os.Getenv("NO_COLOR") != ""

func bindColorFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", noColor, "disable coloured output")
}

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorGreen, "✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorYellow, "⚠ "+fmt.Sprintf(format, args...)))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(stderr, colorize(colorCyan, "→ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// printSource writes one cited passage of an answer.
func printSource(i int, document string, page int, similarity string) {
	loc := document
	if page > 0 {
		loc = fmt.Sprintf("%s p.%d", document, page)
	}
	fmt.Fprintf(stdout, "  [%d] %s %s\n", i+1, colorize(colorBold, loc), colorize(colorDim, "("+similarity+")"))
}

package theme

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	green   = color.New(color.FgGreen).SprintFunc()
	magenta = color.New(color.FgMagenta, color.Bold).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
)

// Banner returns the CLI banner. Colors are dropped when stdout is not a terminal.
func Banner() string {
	art := "" +
		green("   ,  ,  ,\n") +
		green("  (\\ | /)   ") + magenta("GROWPILOT") + "\n" +
		green("   \\\\|//\n") +
		yellow("  ───┴───────────────────────\n") +
		"   steady, budgeted audience growth\n"
	return art
}

// PrintBanner prints the banner to stdout.
func PrintBanner() {
	fmt.Print(Banner())
}

// State colors a bot state for status output.
func State(s string) string {
	switch s {
	case "running":
		return green(s)
	case "backoff", "starting":
		return yellow(s)
	case "failed":
		return red(s)
	}
	return s
}

// Result prints a one-line outcome, green on success and red otherwise.
func Result(w io.Writer, ok bool, msg string) {
	if ok {
		fmt.Fprintln(w, green("✓ ")+msg)
		return
	}
	fmt.Fprintln(w, red("✗ ")+msg)
}

// Key renders a label of key/value output.
func Key(s string) string { return cyan(s) }

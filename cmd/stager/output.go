package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/kalambet/stager/internal/api"
	"github.com/kalambet/stager/internal/batch"
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

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func stateColor(s batch.State) string {
	switch s {
	case batch.StateCompleted:
		return colorGreen
	case batch.StateError:
		return colorRed
	case batch.StateProcessCompleted:
		return colorYellow
	}
	return colorCyan
}

// formatCounts renders result counts as "created=2 unchanged=5".
func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}

func printBatchLine(w io.Writer, v api.BatchView) {
	fmt.Fprintf(w, "%-32s %-28s %s  %s\n",
		v.ID,
		colorize(stateColor(v.State), string(v.State)),
		v.Modified.Local().Format("2006-01-02 15:04"),
		formatCounts(v.Counts),
	)
}

func printBatchDetail(w io.Writer, v api.BatchView) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Batch:"), v.ID)
	fmt.Fprintf(w, "  kind:     %s\n", v.Kind)
	fmt.Fprintf(w, "  file:     %s\n", v.FileName)
	fmt.Fprintf(w, "  state:    %s (%s)\n", colorize(stateColor(v.State), string(v.State)), v.StateName)
	if v.Error != "" {
		fmt.Fprintf(w, "  error:    %s: %s\n", v.Error, v.ErrorMessage)
	}
	fmt.Fprintf(w, "  modified: %s\n", v.Modified.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  results:  %s\n", formatCounts(v.Counts))
	if v.Results == nil {
		return
	}

	groups := []struct {
		name    string
		results []batch.Result
	}{
		{"Created", v.Results.Created},
		{"Changed", v.Results.Changed},
		{"Deleted", v.Results.Deleted},
		{"Images", v.Results.Models},
		{"Errors", v.Results.Errors},
		{"Warnings", v.Results.Warnings},
	}
	for _, g := range groups {
		if len(g.results) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s (%d)\n", colorize(colorBold, g.name), len(g.results))
		for _, r := range g.results {
			fmt.Fprintf(w, "  %s\n", describeResult(r))
		}
	}
}

func describeResult(r batch.Result) string {
	name := r.ID
	if name == "" {
		name = r.FileName
	}
	var extra []string
	if fields := r.Diff.Fields(); len(fields) > 0 {
		extra = append(extra, "fields: "+strings.Join(fields, ", "))
	}
	if r.Error != "" {
		extra = append(extra, r.Error)
	}
	extra = append(extra, r.Warnings...)
	if len(extra) == 0 {
		return name
	}
	return name + ": " + strings.Join(extra, "; ")
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/sfgonsio/AI-Legal-Service/pkg/replay"
)

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	// "replay verify ..." and "replay freeze ..." are accepted as well as flags.
	freeze := false
	if len(args) > 0 {
		switch args[0] {
		case "verify":
			args = args[1:]
		case "freeze":
			freeze = true
			args = args[1:]
		}
	}

	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		contractRoot  string
		vectorsDir    string
		constraint    string
		strictMissing bool
		jsonOutput    bool
	)

	cmd.StringVar(&contractRoot, "contract-root", "", "Root the vector paths are relative to (REQUIRED)")
	cmd.StringVar(&vectorsDir, "vectors-dir", "", "Directory of replay vectors (REQUIRED)")
	cmd.StringVar(&constraint, "contract-constraint", "", "Semver constraint every vector's contract_version must satisfy")
	cmd.BoolVar(&freeze, "freeze", freeze, "Write expected baselines instead of verifying")
	cmd.BoolVar(&strictMissing, "strict-missing", false, "Fail vectors with missing artifacts")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return replay.ExitBadInput
	}
	if contractRoot == "" || vectorsDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --contract-root and --vectors-dir are required")
		return replay.ExitBadInput
	}

	h, err := replay.New(replay.Options{
		ContractRoot:       contractRoot,
		VectorsDir:         vectorsDir,
		StrictMissing:      strictMissing,
		ContractConstraint: constraint,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return replay.ExitCode(err)
	}

	var report replay.Report
	if freeze {
		report, err = h.Freeze(context.Background())
	} else {
		report, err = h.Verify(context.Background())
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printReplayReport(stdout, report)
	}
	if err != nil && len(report.Results) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return replay.ExitCode(err)
}

func printReplayReport(w io.Writer, report replay.Report) {
	for _, res := range report.Results {
		name := res.Vector
		if res.VectorID != "" {
			name = res.VectorID
		}
		switch res.Status {
		case replay.StatusFailed:
			_, _ = fmt.Fprintf(w, "%sFAIL%s   %s\n", ColorRed, ColorReset, name)
			for _, d := range res.Diffs {
				_, _ = fmt.Fprintf(w, "         %s\n", d)
			}
		case replay.StatusFrozen:
			_, _ = fmt.Fprintf(w, "%sFROZEN%s %s\n", ColorCyan, ColorReset, name)
		default:
			_, _ = fmt.Fprintf(w, "%sOK%s     %s\n", ColorGreen, ColorReset, name)
		}
	}
	if len(report.Results) > 0 {
		_, _ = fmt.Fprintf(w, "%s: %d vectors, %d failed\n", report.Mode, len(report.Results), report.Failed())
	}
}

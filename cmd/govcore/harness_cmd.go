package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sfgonsio/AI-Legal-Service/pkg/harness"
)

func runHarnessCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("harness", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		requestPath     string
		policyDir       string
		nowUTC          string
		runID           string
		outDir          string
		contractVersion string
		checkDir        string
		jsonOutput      bool
	)

	cmd.StringVar(&requestPath, "request", "", "Path to the tool request JSON (REQUIRED)")
	cmd.StringVar(&policyDir, "policy-dir", "", "Policy directory (REQUIRED)")
	cmd.StringVar(&nowUTC, "now-utc", "", "Fixed RFC 3339 timestamp for every record (default: now)")
	cmd.StringVar(&runID, "run-id", "", "Run id (default: RUN_<request hash prefix>)")
	cmd.StringVar(&outDir, "out", "", "Directory for run_record.json, audit_ledger.jsonl and hashes.json")
	cmd.StringVar(&contractVersion, "contract-version", harness.DefaultContractVersion, "Contract version pinned on the run")
	cmd.StringVar(&checkDir, "check", "", "Verify an output directory against its hashes.json and exit")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if checkDir != "" {
		return checkManifest(checkDir, stdout, stderr)
	}

	if requestPath == "" || policyDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --request and --policy-dir are required")
		return 2
	}

	cfg := harness.Config{
		RequestPath:     requestPath,
		PolicyDir:       policyDir,
		OutDir:          outDir,
		RunID:           runID,
		ContractVersion: contractVersion,
	}
	if nowUTC != "" {
		now, err := time.Parse(time.RFC3339Nano, nowUTC)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --now-utc: %v\n", err)
			return 2
		}
		cfg.Now = now.UTC()
	}

	res, err := harness.Execute(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: harness: %v\n", err)
		return 1
	}

	if jsonOutput {
		out := map[string]any{
			"run_id":       res.RunID,
			"request_hash": res.RequestHash,
			"status":       res.Run.Status,
			"response":     res.Response,
			"event_count":  len(res.Events),
			"manifest":     res.Manifest,
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return 1
		}
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "run:      %s (%s)\n", res.RunID, res.Run.Status)
	_, _ = fmt.Fprintf(stdout, "outcome:  %s\n", res.Response.Outcome)
	if res.Response.Error != nil {
		_, _ = fmt.Fprintf(stdout, "error:    %s\n", res.Response.Error.Code)
	}
	_, _ = fmt.Fprintf(stdout, "events:   %d\n", len(res.Events))
	if outDir != "" {
		names := make([]string, 0, len(res.Manifest))
		for name := range res.Manifest {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, _ = fmt.Fprintf(stdout, "  %s  %s\n", res.Manifest[name], name)
		}
	}
	return 0
}

func checkManifest(dir string, stdout, stderr io.Writer) int {
	manifest, err := harness.ReadManifest(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := harness.VerifyManifest(dir, manifest); err != nil {
		_, _ = fmt.Fprintf(stdout, "%sFAIL%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sOK%s %d files match hashes.json\n", ColorGreen, ColorReset, len(manifest))
	return 0
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "check" {
		_, _ = fmt.Fprintln(stderr, "Usage: govcore policy check --dir <policy dir> [--json]")
		return 2
	}

	cmd := flag.NewFlagSet("policy check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", "", "Policy directory (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the summary as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if dir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dir is required")
		return 2
	}

	snap, err := policy.NewLoader(dir).Load(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "%sINVALID%s %v\n", ColorRed, ColorReset, err)
		return 1
	}

	lanes := sortedKeys(snap.Lanes)
	tools := sortedKeys(snap.Tools)
	summary := map[string]any{
		"refs":                snap.Refs(),
		"hash":                snap.Hash,
		"contract_constraint": snap.ContractConstraint,
		"lanes":               lanes,
		"roles":               sortedKeys(snap.Roles),
		"tools":               tools,
		"prohibitions":        sortedKeys(snap.Prohibitions),
	}
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return 1
		}
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "%sVALID%s %s\n", ColorGreen, ColorReset, dir)
	_, _ = fmt.Fprintf(stdout, "  lanes %s, roles %s, tools %s\n", snap.LaneVersion, snap.RoleVersion, snap.ToolVersion)
	_, _ = fmt.Fprintf(stdout, "  hash  %s\n", snap.Hash)
	for _, name := range tools {
		t := snap.Tools[name]
		_, _ = fmt.Fprintf(stdout, "  tool  %-20s enabled=%t status=%s\n", name, t.Enabled, t.ImplementationStatus)
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

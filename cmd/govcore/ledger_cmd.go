package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sfgonsio/AI-Legal-Service/pkg/audit"
	"github.com/sfgonsio/AI-Legal-Service/pkg/config"
	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
	"github.com/sfgonsio/AI-Legal-Service/pkg/store"
)

// ledgerReport is the result of verifying one run's events.
type ledgerReport struct {
	RunID               string   `json:"run_id"`
	Source              string   `json:"source"`
	EventCount          int      `json:"event_count"`
	ChainValid          bool     `json:"chain_valid"`
	MandatoryChainValid *bool    `json:"mandatory_chain_valid,omitempty"`
	Errors              []string `json:"errors,omitempty"`
}

func runLedgerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: govcore ledger verify (--run-id <id> | --file <audit_ledger.jsonl>) [--json]")
		return 2
	}

	cmd := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		runID      string
		file       string
		mandatory  bool
		jsonOutput bool
	)
	cmd.StringVar(&runID, "run-id", "", "Run whose events are verified")
	cmd.StringVar(&file, "file", "", "Verify a JSONL ledger written by the harness instead of the database")
	cmd.BoolVar(&mandatory, "mandatory", false, "Also require the mediated tool-call event chain")
	cmd.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres URL (default $DATABASE_URL; empty means SQLite)")
	cmd.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database used in lite mode")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if (runID == "") == (file == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --run-id or --file is required")
		return 2
	}

	ctx := context.Background()
	var (
		report ledgerReport
		events []contracts.AuditEvent
		rec    *contracts.Run
		err    error
	)
	if file != "" {
		report.Source = file
		events, err = readJSONL(file)
		if err == nil && len(events) > 0 {
			report.RunID = events[0].RunID
		}
	} else {
		report.RunID = runID
		events, rec, err = loadFromStore(ctx, cfg, runID)
		report.Source = string(store.Postgres)
		if cfg.LiteMode() {
			report.Source = cfg.SQLitePath
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: no audit events for %s\n", report.Source)
		return 1
	}

	report.EventCount = len(events)
	report.ChainValid = true
	if err := audit.VerifyChain(events); err != nil {
		report.ChainValid = false
		report.Errors = append(report.Errors, err.Error())
	}
	if mandatory || (rec != nil && rec.Kind == contracts.RunKindToolGateway && rec.Status.IsTerminal()) {
		ok := true
		if err := audit.VerifyMandatoryChain(events); err != nil {
			ok = false
			report.Errors = append(report.Errors, err.Error())
		}
		report.MandatoryChainValid = &ok
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else if len(report.Errors) == 0 {
		_, _ = fmt.Fprintf(stdout, "%sOK%s %s: %d events, chain intact\n", ColorGreen, ColorReset, report.RunID, report.EventCount)
	} else {
		_, _ = fmt.Fprintf(stdout, "%sFAIL%s %s: %d events\n", ColorRed, ColorReset, report.RunID, report.EventCount)
		for _, e := range report.Errors {
			_, _ = fmt.Fprintf(stdout, "  %s\n", e)
		}
	}
	if len(report.Errors) > 0 {
		return 1
	}
	return 0
}

func loadFromStore(ctx context.Context, cfg *config.Config, runID string) ([]contracts.AuditEvent, *contracts.Run, error) {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = db.Close() }()

	rec, err := store.NewSQLRunStore(db, dialect).Get(ctx, runID)
	if err != nil && !errors.Is(err, run.ErrRunNotFound) {
		return nil, nil, err
	}
	events, err := store.NewSQLLedger(db, dialect).Query(ctx, audit.Filter{RunID: runID})
	if err != nil {
		return nil, nil, err
	}
	return events, rec, nil
}

func readJSONL(path string) ([]contracts.AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var events []contracts.AuditEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev contracts.AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

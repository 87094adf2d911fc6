// Package main implements an import boundary linter for the execution core.
//
// It scans non-test Go files and enforces two rules: the core packages
// (contracts, canonicalize, fingerprint, policy, audit, run) never import
// transport, storage or tool code, and tool adapters are only wired up by
// commands, never imported by a library package that could call them
// around the gateway.
//
// Usage:
//
//	go run ./tools/tcbcheck [-root <project-root>]
package main

import (
	"bufio"
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// corePackages may only depend on each other and on third-party libraries.
var corePackages = []string{
	"pkg/contracts",
	"pkg/canonicalize",
	"pkg/fingerprint",
	"pkg/policy",
	"pkg/audit",
	"pkg/run",
}

// Forbidden import fragments for core packages, relative to the module path
// unless they are standard library paths.
var coreForbidden = []string{
	"pkg/api",
	"pkg/client",
	"pkg/store",
	"pkg/gateway",
	"pkg/adapters",
	"pkg/artifacts",
	"cmd/",
}

var stdForbidden = []string{"net/http"}

// adapterImporters are the only trees allowed to import pkg/adapters.
var adapterImporters = []string{"cmd/", "pkg/adapters/", "examples/"}

// Violation is one forbidden import.
type Violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (%s)", v.File, v.Line, v.Import, v.Rule)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tcbcheck", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	root := cmd.String("root", ".", "Project root directory")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	violations, err := check(*root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "BOUNDARY VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d boundary violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "boundary check passed: core packages are isolated and adapters are only reachable through the gateway")
	return 0
}

// check walks root and returns every violation, sorted by file and line.
func check(root string) ([]Violation, error) {
	module, err := modulePath(filepath.Join(root, "go.mod"))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	fset := token.NewFileSet()
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		f, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if parseErr != nil {
			return fmt.Errorf("parse %s: %w", rel, parseErr)
		}
		for _, imp := range f.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			if rule := violates(rel, importPath, module); rule != "" {
				violations = append(violations, Violation{
					File:   rel,
					Line:   fset.Position(imp.Pos()).Line,
					Import: importPath,
					Rule:   rule,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(violations, func(i, j int) bool {
		if violations[i].File != violations[j].File {
			return violations[i].File < violations[j].File
		}
		return violations[i].Line < violations[j].Line
	})
	return violations, nil
}

// violates returns the broken rule for file importing importPath, or "".
func violates(file, importPath, module string) string {
	local, internal := strings.CutPrefix(importPath, module+"/")

	if inAny(file, corePackages) {
		for _, std := range stdForbidden {
			if importPath == std {
				return "core package imports transport"
			}
		}
		if internal && hasAnyPrefix(local, coreForbidden) {
			return "core package imports " + local
		}
	}
	if internal && strings.HasPrefix(local, "pkg/adapters") && !hasAnyPrefix(file, adapterImporters) {
		return "tool adapters are only wired by commands"
	}
	return ""
}

func inAny(file string, dirs []string) bool {
	for _, d := range dirs {
		if strings.HasPrefix(file, d+"/") && !strings.Contains(strings.TrimPrefix(file, d+"/"), "/") {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func modulePath(goMod string) (string, error) {
	f, err := os.Open(goMod)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s: no module directive", goMod)
}

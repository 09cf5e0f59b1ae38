// Package main is the entry point for honeydew-ledger, the ledger export/import tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/honeydew/honeydew/internal/config"
	"github.com/honeydew/honeydew/internal/ledger"
	"github.com/honeydew/honeydew/internal/serialization"
)

const usage = "Usage: honeydew-ledger <export|import> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}
}

// openLedger loads the config and opens its ledger. engine and db, when
// set, override ledger.engine and ledger.sqlite.path.
func openLedger(ctx context.Context, configPath, engine, db string) (ledger.Ledger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if engine != "" {
		cfg.Ledger.Engine = engine
	}
	if db != "" {
		cfg.Ledger.SQLite.Path = db
	}
	return ledger.Open(ctx, cfg.Ledger)
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "honeydew.yaml", "Config file path")
	engine := fs.String("engine", "", "Ledger engine (overrides config)")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	output := fs.String("output", "-", "Output file path (- for stdout)")
	completeOnly := fs.Bool("complete-only", false, "Leave out uploads still in progress")
	fs.Parse(args)

	ctx := context.Background()
	l, err := openLedger(ctx, *configPath, *engine, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return 1
	}
	defer l.Close()

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	n, err := serialization.Export(ctx, l, w, &serialization.ExportOptions{CompleteOnly: *completeOnly})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}
	if *output != "-" {
		fmt.Fprintf(os.Stderr, "Exported %d uploads to %s\n", n, *output)
	}
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "honeydew.yaml", "Config file path")
	engine := fs.String("engine", "", "Ledger engine (overrides config)")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Overwrite records whose ID already exists")
	fs.Parse(args)

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			return 1
		}
		defer f.Close()
		r = f
	}

	ctx := context.Background()
	l, err := openLedger(ctx, *configPath, *engine, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening ledger: %v\n", err)
		return 1
	}
	defer l.Close()

	result, err := serialization.Import(ctx, l, r, &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	msg := fmt.Sprintf("  uploads: %d imported", result.Imported)
	if result.Replaced > 0 {
		msg += fmt.Sprintf(", %d replaced", result.Replaced)
	}
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", result.Skipped)
	}
	fmt.Fprintln(os.Stderr, msg)

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}

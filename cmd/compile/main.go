// Command compile turns a treatment file (YAML or JSON) into a manifest. With
// -dry-run it prints the planned jobs; otherwise it submits them to the
// configured ledger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"studio/internal/bootstrap"
	"studio/internal/compiler"
	"studio/internal/infra"
)

func main() {
	var (
		fileFlag     string
		userFlag     string
		manifestFlag string
		dryRunFlag   bool
	)
	flag.StringVar(&fileFlag, "f", "", "treatment file (YAML or JSON, - for stdin)")
	flag.StringVar(&userFlag, "user", "cli", "owner recorded on the manifest")
	flag.StringVar(&manifestFlag, "manifest-id", "", "manifest id (overrides the file)")
	flag.BoolVar(&dryRunFlag, "dry-run", false, "print the plan without persisting it")
	flag.Parse()

	if fileFlag == "" {
		fmt.Fprintln(os.Stderr, "compile: -f is required")
		flag.Usage()
		os.Exit(2)
	}

	raw, err := readInput(fileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile: %v\n", err)
		os.Exit(1)
	}
	req, err := parseRequest(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile: %v\n", err)
		os.Exit(1)
	}
	req.UserID = userFlag
	if manifestFlag != "" {
		req.ManifestID = manifestFlag
	}

	if dryRunFlag {
		if err := dryRun(os.Stdout, req); err != nil {
			os.Exit(1)
		}
		return
	}

	_ = godotenv.Load()
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "compile: %v\n", err)
		os.Exit(1)
	}
	if cfg.LedgerDriver == infra.DriverMemory {
		fmt.Fprintln(os.Stderr, "compile: submitting needs a shared ledger; use -dry-run or LEDGER_DRIVER=postgres")
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("compile: backend setup failed")
	}
	defer backend.Close()

	res, err := compiler.New(backend.Ledger, backend.Publisher, logger).Compile(ctx, req)
	if err != nil {
		printIssues(os.Stderr, err)
		os.Exit(1)
	}
	_ = writeJSON(os.Stdout, res)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func dryRun(w io.Writer, req compiler.Request) error {
	// Plan neither persists nor publishes, so no ledger is needed.
	plan, err := compiler.New(nil, nil, zerolog.Nop()).Plan(req)
	if err != nil {
		printIssues(os.Stderr, err)
		return err
	}
	return writeJSON(w, planView(plan))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

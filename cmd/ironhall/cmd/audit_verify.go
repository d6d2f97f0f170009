package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironhall/audit"
	"github.com/jmcleod/ironhall/storage"
)

type verifyReport struct {
	Storage string `json:"storage"`
	TipSeq  uint64 `json:"tip_seq"`
	audit.Result
}

func verifyTrail(ctx context.Context, repo storage.Repository) (verifyReport, error) {
	trail := audit.NewTrail(repo)
	entries, err := trail.Entries(ctx)
	if err != nil {
		return verifyReport{}, fmt.Errorf("reading audit entries: %w", err)
	}
	seq, tip, err := trail.Tip(ctx)
	if err != nil {
		return verifyReport{}, fmt.Errorf("reading audit tip: %w", err)
	}
	return verifyReport{TipSeq: seq, Result: audit.Verify(entries, tip)}, nil
}

func printHumanReport(w io.Writer, report verifyReport) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", report.Storage)
	fmt.Fprintf(w, "Entries:  %d (tip seq %d)\n\n", report.EntryCount, report.TipSeq)

	for _, c := range report.Checks {
		tag := "[PASS]"
		switch c.Status {
		case audit.StatusFail:
			tag = "[FAIL]"
		case audit.StatusWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if report.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := report.Counts()
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONReport(w io.Writer, report verifyReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the stored audit chain",
	Long: `Opens the configured storage backend and verifies the audit
trail: genesis anchor, hash chain continuity, sequence contiguity and the
stored tip. Exits 1 when the chain is invalid and 2 when it cannot be read.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	ctx := cmd.Context()
	repo, closeRepo, err := openStorage(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer closeRepo()

	report, err := verifyTrail(ctx, repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	report.Storage = cfg.Storage.Backend

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONReport(out, report); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanReport(out, report)
	}

	if !report.Valid {
		closeRepo()
		os.Exit(1)
	}
	return nil
}

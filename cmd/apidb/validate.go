package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/taurus2146/swagger-api-tool-sub000/internal/validate"
)

var (
	validateLevel string
	validateFixIt bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate schema and data consistency",
	Long: `Check the database against the expected schema and the store's
consistency rules.

Levels:
  basic     schema structure, quick corruption scan, foreign keys
  standard  basic plus request counters, orphaned rows, domain constraints
  thorough  standard plus the full corruption scan and statistics

Examples:
  apidb validate                    # Standard checks
  apidb validate --level thorough   # Everything
  apidb validate --fix              # Repair what is safe to repair`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		level, err := validate.ParseLevel(validateLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		h := acquireHandle(ctx)
		defer func() { _ = registry.Release(dbPath) }()

		engine := validate.NewEngine(validateConfig(), logger)
		res, err := engine.Validate(ctx, h, level)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var fixed *validate.FixResult
		if validateFixIt && !res.Healthy() {
			fixed, err = engine.AutoFix(ctx, h, res.Issues)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			// Show the state after repair.
			res, err = engine.Validate(ctx, h, level)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if outputStructured(struct {
			Result *validate.Result    `json:"result" yaml:"result"`
			Fixes  *validate.FixResult `json:"fixes,omitempty" yaml:"fixes,omitempty"`
		}{res, fixed}) {
			if !res.Healthy() {
				os.Exit(1)
			}
			return
		}

		printValidation(res, fixed)
		if !res.Healthy() {
			os.Exit(1)
		}
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateLevel, "level", "standard", "Validation level: basic, standard, or thorough")
	validateCmd.Flags().BoolVar(&validateFixIt, "fix", false, "Repair auto-fixable issues")
	rootCmd.AddCommand(validateCmd)
}

func printValidation(res *validate.Result, fixed *validate.FixResult) {
	fmt.Printf("\nValidation (%s): %d check(s)\n", res.Level, len(res.ChecksRun))

	if fixed != nil {
		fmt.Printf("Applied %d fix(es)", len(fixed.Applied))
		if len(fixed.Failed) > 0 {
			fmt.Printf(", %s", color.RedString("%d failed", len(fixed.Failed)))
		}
		fmt.Println()
		for _, f := range fixed.Failed {
			fmt.Printf("  ✗ %s: %s\n", f.Issue.Description, f.Error)
		}
	}

	if res.Healthy() {
		color.Green("✓ No issues found (%.1fs)\n", res.Elapsed.Seconds())
		return
	}

	fmt.Println()
	for _, is := range res.Issues {
		var label string
		switch is.Severity {
		case validate.SeverityCritical, validate.SeverityHigh:
			label = color.RedString("[%s]", is.Severity)
		case validate.SeverityMedium:
			label = color.YellowString("[%s]", is.Severity)
		default:
			label = fmt.Sprintf("[%s]", is.Severity)
		}
		fixable := ""
		if is.AutoFixable {
			fixable = color.New(color.Faint).Sprint(" (fixable)")
		}
		fmt.Printf(" %s %s%s\n", label, is.Description, fixable)
		if is.Detail != "" {
			fmt.Printf("      %s\n", color.New(color.Faint).Sprint(is.Detail))
		}
	}
	fmt.Println()
	color.Red("✗ %d issue(s) found\n", len(res.Issues))
	if !validateFixIt {
		fmt.Println("  Run 'apidb validate --fix' to repair the fixable ones.")
	}
}

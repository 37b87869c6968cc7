package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowgate/flowgate/internal/rules"
)

// factDoc is the YAML shape of a simulation fact file.
type factDoc struct {
	Amount      any            `yaml:"amount"`
	Department  string         `yaml:"department"`
	RequestType string         `yaml:"requestType"`
	Currency    string         `yaml:"currency"`
	Payload     map[string]any `yaml:"payload"`
}

// SimulationResult holds one rule evaluation outcome.
type SimulationResult struct {
	Matched bool               `json:"matched"`
	Traces  []rules.TraceEntry `json:"traces"`
}

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Explain bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <rules.json> <facts.yaml>",
		Short: "Evaluate a rule definition against a fact file",
		Long: `Evaluate a JSON rule definition against a YAML fact context.

The fact file carries the request fields the rule can address:

	amount: "15000.00"
	department: FINANCE
	requestType: PROCUREMENT
	currency: USD
	payload:
	  vendor:
	    tier: GOLD

Prints whether the rule matched; --explain adds the per-predicate trace.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Explain, "explain", false, "print the evaluation trace")

	return cmd
}

func runSimulate(opts *SimulateOptions, rulePath, factsPath string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	ruleDoc, err := os.ReadFile(rulePath)
	if err != nil {
		return outputLoadError(formatter,
			&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading rule file: %v", err)})
	}
	expr, err := rules.NewParser().ParseDocument(ruleDoc)
	if err != nil {
		return outputLoadError(formatter,
			&LoadError{Code: ErrCodeBadWorkflow, Message: fmt.Sprintf("parsing rule definition: %v", err)})
	}

	evalCtx, err := loadFacts(factsPath)
	if err != nil {
		return outputLoadError(formatter, err)
	}

	result, err := rules.NewEvaluator().Evaluate(expr, evalCtx)
	if err != nil {
		return outputLoadError(formatter,
			&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("evaluating rule: %v", err)})
	}

	sim := SimulationResult{Matched: result.Matched, Traces: result.Traces}
	if formatter.Format == "json" {
		return formatter.Success(sim)
	}

	if sim.Matched {
		fmt.Fprintln(formatter.Writer, "✓ matched")
	} else {
		fmt.Fprintln(formatter.Writer, "✗ not matched")
	}
	if opts.Explain || opts.Verbose {
		for _, trace := range sim.Traces {
			fmt.Fprintf(formatter.Writer, "  %-6t %s %s\n", trace.Result, trace.Path, trace.Reason)
		}
	}
	return nil
}

// loadFacts reads a YAML fact file into an evaluation context.
func loadFacts(path string) (rules.Context, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return rules.Context{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading fact file: %v", err)}
	}

	var doc factDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return rules.Context{}, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("parsing fact file: %v", err)}
	}

	ctx := rules.Context{
		Department:  doc.Department,
		RequestType: doc.RequestType,
		Currency:    doc.Currency,
		Payload:     doc.Payload,
	}

	if doc.Amount != nil {
		// YAML delivers quoted amounts as string and bare ones as int/float;
		// both go through apd so precision is preserved either way.
		text := strings.TrimSpace(fmt.Sprint(doc.Amount))
		amount, _, err := apd.NewFromString(text)
		if err != nil {
			return rules.Context{}, &LoadError{Code: ErrCodeGeneric,
				Message: fmt.Sprintf("amount %q is not a decimal", text)}
		}
		ctx.Amount = amount
	}

	return ctx, nil
}

package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowgate/flowgate/internal/rules"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/workflow"
)

// ValidationIssue is one structural problem found in a workflow definition.
type ValidationIssue struct {
	Workflow string `json:"workflow"`
	Message  string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Workflows int               `json:"workflows"`
	Issues    []ValidationIssue `json:"issues,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Database string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <defs-dir>",
		Short: "Validate workflow definitions without publishing",
		Long: `Validate CUE workflow definitions against the activation rules.

Runs the same structural checks activation runs: node configuration, gateway
edge labels, join quorum bounds, reachability, and acyclicity. Without --db
rule references are assumed to exist; with --db they are checked against the
rule catalog in the database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for rule reference checks (optional)")

	return cmd
}

// allowAllRules satisfies the rule-existence check when validating offline.
type allowAllRules struct{}

func (allowAllRules) Exists(context.Context, string, int) (bool, error) { return true, nil }

func runValidate(opts *ValidateOptions, defsDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	loadResult, err := LoadWorkflows(defsDir)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, defsDir)

	var checker workflow.RuleSetExists = allowAllRules{}
	if opts.Database != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return outputLoadError(formatter,
				&LoadError{Code: ErrCodeDatabase, Message: fmt.Sprintf("opening database: %v", err)})
		}
		defer st.Close()
		checker = rules.NewService(st, nil)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var issues []ValidationIssue
	for _, doc := range loadResult.Workflows {
		formatter.VerboseLog("Validating workflow: %s", doc.Key)
		if err := workflow.ValidateForActivation(ctx, doc.Graph, doc.AllowLoopback, checker); err != nil {
			issues = append(issues, ValidationIssue{Workflow: doc.Key, Message: err.Error()})
		}
	}

	result := ValidationResult{
		Valid:     len(issues) == 0,
		Workflows: len(loadResult.Workflows),
		Issues:    issues,
	}

	if len(issues) > 0 {
		return outputValidationIssues(formatter, result)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %d workflow definition(s) valid\n", result.Workflows)
	return nil
}

// outputLoadError reports a loader or database error and maps it to a
// command-level exit code.
func outputLoadError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		return NewExitError(ExitCommandError, loadErr.Error())
	}
	_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %v", ErrCodeGeneric, err))
}

func outputValidationIssues(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    ErrCodeInvalid,
				Message: result.Issues[0].Message,
			},
		}
		if err := encodeIndented(formatter, response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(result.Issues)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range result.Issues {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", issue.Workflow, issue.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(result.Issues)))
}

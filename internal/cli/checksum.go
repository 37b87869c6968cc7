package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowgate/flowgate/internal/workflow"
)

// ChecksumEntry is the canonical checksum of one workflow definition.
type ChecksumEntry struct {
	Workflow    string `json:"workflow"`
	RequestType string `json:"requestType"`
	Checksum    string `json:"checksumSha256"`
}

// NewChecksumCommand creates the checksum command.
func NewChecksumCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksum <defs-dir>",
		Short: "Print canonical graph checksums",
		Long: `Print the canonical SHA-256 checksum of each workflow definition.

The checksum is computed over the canonical graph serialization, so it is
stable under node and edge reordering and key whitespace. It matches the
checksum recorded when the definition is activated.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChecksum(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runChecksum(opts *RootOptions, defsDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	loadResult, err := LoadWorkflows(defsDir)
	if err != nil {
		return outputLoadError(formatter, err)
	}

	entries := make([]ChecksumEntry, 0, len(loadResult.Workflows))
	for _, doc := range loadResult.Workflows {
		sum, err := workflow.GraphChecksum(doc.Graph)
		if err != nil {
			return outputLoadError(formatter,
				&LoadError{Code: ErrCodeBadWorkflow, Message: fmt.Sprintf("workflow %s: %v", doc.Key, err)})
		}
		entries = append(entries, ChecksumEntry{
			Workflow:    doc.Key,
			RequestType: doc.RequestType,
			Checksum:    sum,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}
	for _, e := range entries {
		fmt.Fprintf(formatter.Writer, "%s  %s\n", e.Checksum, e.Workflow)
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowgate/flowgate/internal/fault"
	"github.com/flowgate/flowgate/internal/rules"
	"github.com/flowgate/flowgate/internal/store"
	"github.com/flowgate/flowgate/internal/workflow"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Database string
	Owner    string
	Activate bool
}

// PublishEntry reports one published workflow version.
type PublishEntry struct {
	Workflow  string `json:"workflow"`
	VersionNo int    `json:"versionNo"`
	Status    string `json:"status"`
	Checksum  string `json:"checksumSha256,omitempty"`
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish <defs-dir>",
		Short: "Publish workflow definitions to the database",
		Long: `Publish CUE workflow definitions as new draft versions.

Creates the definition on first publish and appends a numbered draft version
on every run. With --activate the new version is validated and promoted,
retiring any previously active version of the same definition.

Example:
  flowgate publish --db ./flowgate.db --owner u-admin ./flows
  flowgate publish --db ./flowgate.db --owner u-admin --activate ./flows`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "user id recorded as owner and activator (required)")
	cmd.Flags().BoolVar(&opts.Activate, "activate", false, "activate each published version")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runPublish(opts *PublishOptions, defsDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	loadResult, err := LoadWorkflows(defsDir)
	if err != nil {
		return outputLoadError(formatter, err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return outputLoadError(formatter,
			&LoadError{Code: ErrCodeDatabase, Message: fmt.Sprintf("opening database: %v", err)})
	}
	defer st.Close()

	ruleSvc := rules.NewService(st, logger)
	wfSvc := workflow.NewService(st, ruleSvc, logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	entries := make([]PublishEntry, 0, len(loadResult.Workflows))
	for _, doc := range loadResult.Workflows {
		entry, err := publishOne(ctx, wfSvc, doc, opts)
		if err != nil {
			if fault.IsInvalid(err) || fault.IsConflict(err) {
				_ = formatter.Error(ErrCodeInvalid, fmt.Sprintf("workflow %s: %v", doc.Key, err), nil)
				return NewExitError(ExitFailure, fmt.Sprintf("workflow %s: %v", doc.Key, err))
			}
			return outputLoadError(formatter,
				&LoadError{Code: ErrCodeDatabase, Message: fmt.Sprintf("workflow %s: %v", doc.Key, err)})
		}
		entries = append(entries, entry)
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}
	for _, e := range entries {
		fmt.Fprintf(formatter.Writer, "%s v%d %s\n", e.Workflow, e.VersionNo, e.Status)
	}
	return nil
}

func publishOne(ctx context.Context, wfSvc *workflow.Service, doc WorkflowDoc, opts *PublishOptions) (PublishEntry, error) {
	def, err := wfSvc.GetDefinitionByKey(ctx, doc.Key)
	if fault.IsNotFound(err) {
		def, err = wfSvc.CreateDefinition(ctx, doc.Key, doc.Name, doc.RequestType, opts.Owner, doc.AllowLoopback)
	}
	if err != nil {
		return PublishEntry{}, err
	}

	version, err := wfSvc.CreateVersion(ctx, def.ID, doc.GraphJSON)
	if err != nil {
		return PublishEntry{}, err
	}

	if opts.Activate {
		version, err = wfSvc.ActivateVersion(ctx, version.ID, opts.Owner)
		if err != nil {
			return PublishEntry{}, err
		}
	}

	return PublishEntry{
		Workflow:  doc.Key,
		VersionNo: version.VersionNo,
		Status:    string(version.Status),
		Checksum:  version.ChecksumSHA256,
	}, nil
}

package cli

import (
	"github.com/spf13/cobra"
)

// NewCopyCommand creates the copy command.
func NewCopyCommand(rootOpts *RootOptions) *cobra.Command {
	var codes []string

	cmd := &cobra.Command{
		Use:   "copy <collection> <target>",
		Short: "Copy nodes (and their functional products) into another collection",
		Long: `Copy the nodes named by --code from one collection into another,
pulling functional reference products along and rewriting internal edge
links to the target collection.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(rootOpts, args[0], args[1], codes, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&codes, "code", nil, "node code to copy (repeatable)")
	cmd.MarkFlagRequired("code")
	return cmd
}

func runCopy(opts *RootOptions, source, target string, codes []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	proj, err := openProject(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "open project", err)
	}
	defer proj.Close()

	ctx := cmd.Context()
	created, err := proj.Store.Collection(source).CopyActivities(ctx, codes, target)
	if err != nil {
		formatter.Error("E_COPY", err.Error(), nil)
		return WrapExitError(ExitFailure, "copy failed", err)
	}

	createdCodes := make([]string, len(created))
	for i, node := range created {
		createdCodes[i] = node.Code
	}

	return formatter.Successf(map[string]any{
		"source":  source,
		"target":  target,
		"created": createdCodes,
	}, "copied %d nodes from %q to %q", len(created), source, target)
}

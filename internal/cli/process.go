package cli

import (
	"github.com/spf13/cobra"
)

// NewProcessCommand creates the process command.
func NewProcessCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "process [collection]",
		Short: "Compile a collection into solver arrays",
		Long: `Compile the named collection's edges into the typed edge array and
geo array, persisting a new version under the project's processed
directory. With --all, every dirty collection is recompiled instead.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(rootOpts, args, all, cmd)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "recompile every dirty collection")
	return cmd
}

func runProcess(opts *RootOptions, args []string, all bool, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if !all && len(args) == 0 {
		return WrapExitError(ExitCommandError, "either a collection or --all is required", nil)
	}

	proj, err := openProject(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "open project", err)
	}
	defer proj.Close()

	ctx := cmd.Context()

	if all {
		if err := proj.Store.Clean(ctx); err != nil {
			formatter.Error("E_PROCESS", err.Error(), nil)
			return WrapExitError(ExitFailure, "recompile failed", err)
		}
		return formatter.Successf(map[string]any{"cleaned": true}, "recompiled all dirty collections")
	}

	name := args[0]
	edges, geo, err := proj.Processor.Process(ctx, name)
	if err != nil {
		formatter.Error("E_PROCESS", err.Error(), nil)
		return WrapExitError(ExitFailure, "compile failed", err)
	}

	return formatter.Successf(map[string]any{
		"collection": name,
		"edge_rows":  len(edges),
		"geo_rows":   len(geo),
	}, "compiled %q: %d edge rows, %d geo rows", name, len(edges), len(geo))
}

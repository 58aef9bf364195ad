package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewLsCommand creates the ls command.
func NewLsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ls [collection]",
		Short:         "List collections, or one collection's metadata",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runLs(opts *RootOptions, args []string, cmd *cobra.Command) error {
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

	if len(args) == 0 {
		names, err := proj.Store.Collections(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "list collections", err)
		}
		if opts.Format == "json" {
			return formatter.Success(names)
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	}

	info, err := proj.Store.Info(ctx, args[0])
	if err != nil {
		formatter.Error("E_LS", err.Error(), nil)
		return WrapExitError(ExitCommandError, "read collection", err)
	}

	return formatter.Successf(info,
		"%s\tbackend=%s dirty=%t records=%d version=%d depends=%v",
		info.Name, info.Backend, info.Dirty, info.RecordCount, info.Version, info.Depends)
}

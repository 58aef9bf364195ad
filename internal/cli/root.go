// Package cli implements the fluxdata command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fluxkit/fluxdata/internal/project"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Dir     string // project root directory
	Project string // project name override; empty means the active one
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fluxdata CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fluxdata",
		Short: "fluxdata - inventory graph store and matrix compiler",
		Long:  "Manages collections of process/product/flow datasets and compiles them into solver-ready arrays.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	defaultDir := filepath.Join(userDataDir(), "fluxdata")

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", defaultDir, "project root directory")
	cmd.PersistentFlags().StringVar(&opts.Project, "project", "", "project name (defaults to the active project)")

	// Add subcommands
	cmd.AddCommand(NewWriteCommand(opts))
	cmd.AddCommand(NewProcessCommand(opts))
	cmd.AddCommand(NewCopyCommand(opts))
	cmd.AddCommand(NewLsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func userDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir
	}
	return "."
}

// openProject opens the project selected by the global flags.
func openProject(opts *RootOptions) (*project.Project, error) {
	log := zap.NewNop()
	if opts.Verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	manager, err := project.NewManager(opts.Dir, log)
	if err != nil {
		return nil, err
	}
	if opts.Project != "" {
		return manager.Open(opts.Project)
	}
	return manager.OpenCurrent()
}

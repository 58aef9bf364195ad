package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fluxkit/fluxdata/internal/graph"
	"github.com/fluxkit/fluxdata/internal/store"
	"github.com/fluxkit/fluxdata/internal/validate"
)

// datasetFile is the yaml document accepted by `fluxdata write`.
type datasetFile struct {
	Nodes map[string]datasetNode `yaml:"nodes"`
}

type datasetNode struct {
	Type     string         `yaml:"type"`
	Location string         `yaml:"location"`
	Name     string         `yaml:"name"`
	Unit     string         `yaml:"unit"`
	Product  string         `yaml:"reference_product"`
	Edges    []datasetEdge  `yaml:"edges"`
	Payload  map[string]any `yaml:"payload"`
}

type datasetEdge struct {
	Input       *graph.Key        `yaml:"input"`
	Amount      *float64          `yaml:"amount"`
	Type        string            `yaml:"type"`
	Uncertainty graph.Uncertainty `yaml:"uncertainty"`
	Functional  bool              `yaml:"functional"`
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	var noCompile bool

	cmd := &cobra.Command{
		Use:   "write <collection> <dataset.yaml>",
		Short: "Replace a collection's contents from a dataset file",
		Long: `Validate a yaml dataset file and atomically replace the named
collection's nodes and edges with its contents. The collection is
registered if needed and compiled afterwards unless --no-compile is set.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(rootOpts, args[0], args[1], noCompile, cmd)
		},
	}

	cmd.Flags().BoolVar(&noCompile, "no-compile", false, "skip compilation after the write")
	return cmd
}

func runWrite(opts *RootOptions, collection, path string, noCompile bool, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	raw, file, err := loadDatasetFile(path)
	if err != nil {
		formatter.Error("E_LOAD", err.Error(), nil)
		return WrapExitError(ExitCommandError, "load dataset", err)
	}

	validator, err := validate.New()
	if err != nil {
		return WrapExitError(ExitCommandError, "build validator", err)
	}
	if err := validator.ValidateRaw(raw); err != nil {
		formatter.Error("E_SCHEMA", err.Error(), nil)
		return WrapExitError(ExitFailure, "dataset failed validation", err)
	}

	dataset := graph.Dataset{}
	for code, node := range file.Nodes {
		edges := make([]graph.EdgeRecord, len(node.Edges))
		for i, e := range node.Edges {
			edges[i] = graph.EdgeRecord{
				Input:       e.Input,
				Amount:      e.Amount,
				Type:        e.Type,
				Uncertainty: e.Uncertainty,
				Functional:  e.Functional,
			}
		}
		dataset[graph.Key{Collection: collection, Code: code}] = graph.Record{
			Type:     node.Type,
			Location: node.Location,
			Name:     node.Name,
			Unit:     node.Unit,
			Product:  node.Product,
			Edges:    edges,
			Payload:  node.Payload,
		}
	}

	proj, err := openProject(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "open project", err)
	}
	defer proj.Close()

	ctx := cmd.Context()
	if err := proj.Store.Register(ctx, collection); err != nil {
		return WrapExitError(ExitCommandError, "register collection", err)
	}

	formatter.VerboseLog("Writing %d nodes to collection %q", len(dataset), collection)
	if err := proj.Store.Write(ctx, collection, dataset, store.WriteOptions{SkipCompile: noCompile}); err != nil {
		formatter.Error("E_WRITE", err.Error(), nil)
		return WrapExitError(ExitFailure, "write failed", err)
	}

	return formatter.Successf(map[string]any{
		"collection": collection,
		"nodes":      len(dataset),
		"compiled":   !noCompile,
	}, "wrote %d nodes to %q", len(dataset), collection)
}

// loadDatasetFile reads a dataset file both as a raw map (for schema
// validation) and as the typed document.
func loadDatasetFile(path string) (map[string]any, *datasetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}

	var rawDoc struct {
		Nodes map[string]any `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(data, &rawDoc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if rawDoc.Nodes == nil {
		return nil, nil, fmt.Errorf("%s has no nodes section", path)
	}

	var file datasetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rawDoc.Nodes, &file, nil
}

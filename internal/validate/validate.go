// Package validate schema-checks dataset payloads before they reach the
// write pipeline. Validation is the caller's responsibility - the pipeline
// itself only enforces edge completeness - so the CLI and other importers
// run payloads through a Validator first.
package validate

import (
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	_ "embed"

	"github.com/fluxkit/fluxdata/internal/graph"
)

//go:embed schema.cue
var schemaCUE string

// Validator checks raw dataset documents against the embedded CUE schema.
type Validator struct {
	ctx    *cue.Context
	schema cue.Value
}

// New compiles the embedded schema. Compilation failure is a programming
// error in the schema itself.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	compiled := ctx.CompileString(schemaCUE)
	if err := compiled.Err(); err != nil {
		return nil, graph.Validityf("invalid dataset schema: %v", err)
	}
	schema := compiled.LookupPath(cue.ParsePath("#Dataset"))
	if err := schema.Err(); err != nil {
		return nil, graph.Validityf("invalid dataset schema: %v", err)
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// ValidateRaw checks a raw dataset document (node code -> record map) as
// decoded from yaml or JSON. Returns a ValidityError listing every schema
// violation.
func (v *Validator) ValidateRaw(doc map[string]any) error {
	value := v.ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return graph.Validityf("dataset is not encodable: %v", err)
	}

	unified := v.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		var lines []string
		for _, e := range cueerrors.Errors(err) {
			lines = append(lines, e.Error())
		}
		return graph.Validityf("dataset failed schema validation:\n\t%s",
			strings.Join(lines, "\n\t"))
	}
	return nil
}

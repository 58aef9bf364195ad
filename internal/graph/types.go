package graph

import "fmt"

// Key is the natural key of a node: a collection name plus a
// collection-local opaque code.
type Key struct {
	Collection string `json:"collection" yaml:"collection"`
	Code       string `json:"code" yaml:"code"`
}

func (k Key) String() string {
	return fmt.Sprintf("(%s, %s)", k.Collection, k.Code)
}

// IsZero reports whether the key has neither component set.
func (k Key) IsZero() bool {
	return k.Collection == "" && k.Code == ""
}

// Node type tags with dedicated behavior. Any other string is allowed as a
// free-form tag; only these participate in compilation and closure copy.
const (
	NodeProcess  = "process"
	NodeProduct  = "product"
	NodeEmission = "emission"
)

// Edge type tags recognized as exchange kinds.
const (
	TypeUnknown      = "unknown"
	TypeProduction   = "production"
	TypeTechnosphere = "technosphere"
	TypeBiosphere    = "biosphere"
	TypeSubstitution = "substitution"
)

// typeCodes maps edge type tags to the small integer codes stored in
// compiled arrays.
var typeCodes = map[string]int8{
	TypeUnknown:      -1,
	TypeProduction:   0,
	TypeTechnosphere: 1,
	TypeBiosphere:    2,
	TypeSubstitution: 3,
}

// TypeCode returns the compiled-array code for an edge type tag and whether
// the tag is a recognized exchange kind.
func TypeCode(tag string) (int8, bool) {
	c, ok := typeCodes[tag]
	return c, ok
}

// KnownType reports whether tag is a recognized exchange kind other than
// "unknown". Dependency scans skip edges that fail this check.
func KnownType(tag string) bool {
	_, ok := typeCodes[tag]
	return ok && tag != TypeUnknown
}

// GlobalLocation is the reserved default location code, always present in
// the location mapper.
const GlobalLocation = "GLO"

// Uncertainty describes the distribution attached to an edge amount.
// Type 0 (undefined) and 1 (no uncertainty) degenerate to a point value.
type Uncertainty struct {
	Type     uint8    `json:"uncertainty_type" yaml:"uncertainty_type"`
	Loc      *float64 `json:"loc,omitempty" yaml:"loc,omitempty"`
	Scale    *float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
	Shape    *float64 `json:"shape,omitempty" yaml:"shape,omitempty"`
	Minimum  *float64 `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum  *float64 `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Negative bool     `json:"negative,omitempty" yaml:"negative,omitempty"`
}

// Node is a stored dataset. ID is the mapper-assigned integer for the
// node's natural key. Payload round-trips any extension attributes that are
// not covered by the typed fields.
type Node struct {
	ID         int64
	Collection string
	Code       string
	Type       string
	Location   string
	Name       string
	Unit       string
	Product    string
	Payload    map[string]any
}

// Key returns the node's natural key.
func (n *Node) Key() Key {
	return Key{Collection: n.Collection, Code: n.Code}
}

// Edge is a stored exchange. Edges are attached to their Target ("output")
// node; Source is the "input" endpoint.
type Edge struct {
	ID          int64
	Source      Key
	Target      Key
	Type        string
	Amount      float64
	Uncertainty Uncertainty
	Functional  bool
	Payload     map[string]any
}

// EdgeRecord is the raw form of an edge inside a bulk-write Record, before
// the pipeline resolves its output key.
type EdgeRecord struct {
	Input       *Key        `json:"input" yaml:"input"`
	Amount      *float64    `json:"amount" yaml:"amount"`
	Type        string      `json:"type" yaml:"type"`
	Uncertainty Uncertainty `json:"uncertainty" yaml:"uncertainty"`
	Functional  bool        `json:"functional" yaml:"functional"`
	Payload     map[string]any
}

// Record is one node dataset inside a bulk-write payload.
type Record struct {
	Type     string         `json:"type" yaml:"type"`
	Location string         `json:"location" yaml:"location"`
	Name     string         `json:"name" yaml:"name"`
	Unit     string         `json:"unit" yaml:"unit"`
	Product  string         `json:"reference_product" yaml:"reference_product"`
	Edges    []EdgeRecord   `json:"edges" yaml:"edges"`
	Payload  map[string]any `json:"payload" yaml:"payload"`
}

// Dataset is a full replacement payload for one collection.
type Dataset map[Key]Record

// CollectionInfo is the stored metadata row for a collection.
type CollectionInfo struct {
	Name           string
	Backend        string
	Dirty          bool
	Searchable     bool
	Modified       string
	Processed      string
	RecordCount    int
	Version        int
	Depends        []string
	Geocollections []string
}

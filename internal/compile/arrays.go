package compile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// EdgeRecord is one row of the compiled edge array. Row and Col are the
// mapper ids of the exchange's input and output. Distribution fields
// default to NaN; Loc equals Amount for point-value uncertainty types so
// downstream sampling degenerates correctly.
type EdgeRecord struct {
	Row         uint32
	Col         uint32
	Type        int8
	Uncertainty uint8
	Amount      float64
	Loc         float64
	Scale       float64
	Shape       float64
	Minimum     float64
	Maximum     float64
	Negative    bool
}

// GeoRecord links one process node to its location.
type GeoRecord struct {
	Activity uint32
	Location uint32
}

// SortEdges orders records by a total comparator over every field, so the
// required (row, col) order is deterministic even between records sharing
// both ids (e.g. parallel exchanges of different types or amounts).
func SortEdges(records []EdgeRecord) {
	sort.Slice(records, func(i, j int) bool {
		return lessEdge(records[i], records[j])
	})
}

func lessEdge(a, b EdgeRecord) bool {
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	if a.Col != b.Col {
		return a.Col < b.Col
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.Uncertainty != b.Uncertainty {
		return a.Uncertainty < b.Uncertainty
	}
	for _, pair := range [][2]float64{
		{a.Amount, b.Amount},
		{a.Loc, b.Loc},
		{a.Scale, b.Scale},
		{a.Shape, b.Shape},
		{a.Minimum, b.Minimum},
		{a.Maximum, b.Maximum},
	} {
		if c := compareFloat(pair[0], pair[1]); c != 0 {
			return c < 0
		}
	}
	return !a.Negative && b.Negative
}

// compareFloat totally orders floats with NaN sorting last. Bit-equal
// values compare equal, so NaN == NaN for ordering purposes.
func compareFloat(a, b float64) int {
	switch {
	case math.IsNaN(a) && math.IsNaN(b):
		return 0
	case math.IsNaN(a):
		return 1
	case math.IsNaN(b):
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortGeo orders geo records by (activity, location).
func SortGeo(records []GeoRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Activity != records[j].Activity {
			return records[i].Activity < records[j].Activity
		}
		return records[i].Location < records[j].Location
	})
}

// Fixed-width little-endian encoding. The container format around these
// records belongs to the artifact store; this is just the record layout.

const edgeRecordSize = 4 + 4 + 1 + 1 + 6*8 + 1

// EncodeEdges writes edge records in fixed-width little-endian form.
func EncodeEdges(w io.Writer, records []EdgeRecord) error {
	buf := make([]byte, edgeRecordSize)
	for _, rec := range records {
		binary.LittleEndian.PutUint32(buf[0:], rec.Row)
		binary.LittleEndian.PutUint32(buf[4:], rec.Col)
		buf[8] = byte(rec.Type)
		buf[9] = rec.Uncertainty
		offset := 10
		for _, f := range []float64{rec.Amount, rec.Loc, rec.Scale, rec.Shape, rec.Minimum, rec.Maximum} {
			binary.LittleEndian.PutUint64(buf[offset:], math.Float64bits(f))
			offset += 8
		}
		buf[offset] = 0
		if rec.Negative {
			buf[offset] = 1
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("encode edge record: %w", err)
		}
	}
	return nil
}

// DecodeEdges reads the entire stream of edge records.
func DecodeEdges(r io.Reader) ([]EdgeRecord, error) {
	var records []EdgeRecord
	buf := make([]byte, edgeRecordSize)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode edge record: %w", err)
		}
		var rec EdgeRecord
		rec.Row = binary.LittleEndian.Uint32(buf[0:])
		rec.Col = binary.LittleEndian.Uint32(buf[4:])
		rec.Type = int8(buf[8])
		rec.Uncertainty = buf[9]
		offset := 10
		floats := make([]float64, 6)
		for i := range floats {
			floats[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[offset:]))
			offset += 8
		}
		rec.Amount, rec.Loc, rec.Scale, rec.Shape, rec.Minimum, rec.Maximum =
			floats[0], floats[1], floats[2], floats[3], floats[4], floats[5]
		rec.Negative = buf[offset] != 0
		records = append(records, rec)
	}
}

const geoRecordSize = 8

// EncodeGeo writes geo records in fixed-width little-endian form.
func EncodeGeo(w io.Writer, records []GeoRecord) error {
	buf := make([]byte, geoRecordSize)
	for _, rec := range records {
		binary.LittleEndian.PutUint32(buf[0:], rec.Activity)
		binary.LittleEndian.PutUint32(buf[4:], rec.Location)
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("encode geo record: %w", err)
		}
	}
	return nil
}

// DecodeGeo reads the entire stream of geo records.
func DecodeGeo(r io.Reader) ([]GeoRecord, error) {
	var records []GeoRecord
	buf := make([]byte, geoRecordSize)
	for {
		_, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode geo record: %w", err)
		}
		records = append(records, GeoRecord{
			Activity: binary.LittleEndian.Uint32(buf[0:]),
			Location: binary.LittleEndian.Uint32(buf[4:]),
		})
	}
}

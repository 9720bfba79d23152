// Package schema describes the column types carried by a tuple buffer. It is
// deliberately small: the buffer manager only needs enough type information
// to estimate a batch's footprint (sizeutil) and to frame its wire encoding
// (wire), not a full SQL type system.
package schema

// Type tags the Go representation of one column.
type Type int

const (
	TypeInt32 Type = iota
	TypeInt64
	TypeFloat64
	TypeBool
	TypeString
	TypeBytes
	TypeTimestamp
	TypeLob // large object: column carries a LOB reference id, not inline data.
)

func (t Type) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeTimestamp:
		return "timestamp"
	case TypeLob:
		return "lob"
	default:
		return "unknown"
	}
}

// FixedWidth returns the on-wire/in-memory width in bytes for types whose
// size does not depend on their value, and ok=false for variable-width types
// (string, bytes) whose cost must be measured per value.
func (t Type) FixedWidth() (width int, ok bool) {
	switch t {
	case TypeInt32, TypeBool:
		return 4, true
	case TypeInt64, TypeFloat64, TypeTimestamp:
		return 8, true
	case TypeLob:
		return 8, true // an opaque reference id
	default:
		return 0, false
	}
}

// Column is one column descriptor in a tuple buffer's schema.
type Column struct {
	Name string
	Type Type
}

// Schema is the ordered column list a TupleBuffer carries. It may be
// stripped from individual batches once the reader already knows it from
// context (spec §3, TupleBatch).
type Schema []Column

// LobColumnIndexes returns the positions of columns that may carry LOB
// references.
func (s Schema) LobColumnIndexes() []int {
	var idx []int
	for i, c := range s {
		if c.Type == TypeLob {
			idx = append(idx, i)
		}
	}
	return idx
}

// HasLobs reports whether any column may carry a LOB reference.
func (s Schema) HasLobs() bool {
	return len(s.LobColumnIndexes()) > 0
}

package core

import "strings"

// Well-known property type names.
const (
	TypeHash    = "HASH"
	TypeNone    = "NONE"
	TypeString  = "STRING"
	TypeBool    = "BOOL"
	TypeInt32   = "INT32"
	TypeUInt32  = "UINT32"
	TypeInt64   = "INT64"
	TypeUInt64  = "UINT64"
	TypeFloat   = "FLOAT"
	TypeDouble  = "DOUBLE"
	vectorTypes = "VECTOR_"
)

// IsVectorType reports whether the type name denotes a vector value.
func IsVectorType(typeName string) bool {
	return strings.HasPrefix(typeName, vectorTypes)
}

// ChangeEvent is a single leaf property change of one device.
type ChangeEvent struct {
	DeviceID  string
	Path      string
	Type      string
	Value     string
	Timestamp Timestamp
	User      string
}

// IsComposite reports whether the event refers to a nested node rather than a leaf.
func (e ChangeEvent) IsComposite() bool {
	return e.Type == TypeHash
}

// VectorLength returns the number of elements of a vector value, or 0 for scalars.
func (e ChangeEvent) VectorLength() int {
	if !IsVectorType(e.Type) || e.Value == "" {
		return 0
	}
	return strings.Count(e.Value, ",") + 1
}

package connectors

import "strings"

// Cross-backend column type vocabulary. Grid clients only distinguish
// these five; anything a backend reports that we do not recognize maps
// to TypeUnknown rather than failing introspection.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeUnknown = "unknown"
)

var nativeTypeMap = map[string]string{
	// Character types.
	"text": TypeString, "varchar": TypeString, "char": TypeString,
	"bpchar": TypeString, "character": TypeString, "character varying": TypeString,
	"string": TypeString, "name": TypeString, "uuid": TypeString,
	"json": TypeString, "jsonb": TypeString, "xml": TypeString,
	"variant": TypeString, "object": TypeString, "array": TypeString,

	// Numeric types.
	"int2": TypeNumber, "int4": TypeNumber, "int8": TypeNumber,
	"smallint": TypeNumber, "integer": TypeNumber, "int": TypeNumber,
	"bigint": TypeNumber, "float4": TypeNumber, "float8": TypeNumber,
	"real": TypeNumber, "double precision": TypeNumber, "double": TypeNumber,
	"numeric": TypeNumber, "decimal": TypeNumber, "number": TypeNumber,
	"fixed": TypeNumber, "money": TypeNumber, "oid": TypeNumber,

	// Booleans.
	"bool": TypeBoolean, "boolean": TypeBoolean,

	// Date/time types.
	"date": TypeDate, "time": TypeDate, "timetz": TypeDate,
	"timestamp": TypeDate, "timestamptz": TypeDate,
	"timestamp without time zone": TypeDate, "timestamp with time zone": TypeDate,
	"timestamp_ntz": TypeDate, "timestamp_ltz": TypeDate, "timestamp_tz": TypeDate,
	"datetime": TypeDate, "interval": TypeDate,
}

// MapNativeType converts a backend-native column type name to the
// cross-backend vocabulary. Matching is case-insensitive and ignores
// precision suffixes like NUMBER(38,0).
func MapNativeType(nativeType string) string {
	name := strings.ToLower(strings.TrimSpace(nativeType))
	if i := strings.IndexByte(name, '('); i > 0 {
		name = strings.TrimSpace(name[:i])
	}
	if mapped, ok := nativeTypeMap[name]; ok {
		return mapped
	}
	return TypeUnknown
}

package pgsource

import (
	"math/big"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/stretchr/testify/assert"
)

// ==================== Coerce Tests ====================

func TestCoerce(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"null", nil, nil},
		{"int4", int32(7), int32(7)},
		{"oid", uint32(9), int64(9)},
		{"bytea", []byte("raw"), "raw"},
		{"timestamptz", at, at.UTC()},
		{"uuid", [16]byte(id), id.String()},
		{"numeric", pgtype.Numeric{Int: big.NewInt(125), Exp: -2, Valid: true}, 1.25},
		{"null numeric", pgtype.Numeric{}, nil},
		{"inet", netip.MustParsePrefix("10.0.0.1/32"), "10.0.0.1/32"},
		{"jsonb", map[string]any{"a": float64(1)}, `{"a":1}`},
		{"json array", []any{"x", true}, `["x",true]`},
		{"text array", []string{"a"}, []string{"a"}},
		{"interval", pgtype.Interval{Days: 2, Valid: true}, pgtype.Interval{Days: 2, Valid: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Coerce(tt.in))
		})
	}
}

func TestCoerce_UnknownValueIsRejectedByCodec(t *testing.T) {
	_, err := codec.KindOf(Coerce(pgtype.Interval{Microseconds: 5, Valid: true}))
	assert.ErrorIs(t, err, codec.ErrUnsupportedValueKind)

	_, err = codec.KindOf(Coerce([]int32{1, 2}))
	assert.ErrorIs(t, err, codec.ErrUnsupportedValueKind)
}

func TestNew_DefaultsSchema(t *testing.T) {
	s := New(nil, "")
	assert.Equal(t, "public", s.schema)
}

func TestTypeName_FallsBackToOID(t *testing.T) {
	assert.Equal(t, "int8", typeName(pgtype.NewMap(), pgtype.Int8OID))
	assert.Equal(t, "oid:99999", typeName(nil, 99999))
	assert.Equal(t, `"public"."a""b"`, pgx.Identifier{"public", `a"b`}.Sanitize())
}

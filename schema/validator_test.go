package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-store-sub003/errs"
)

func sampleDef() *BucketDefinition {
	return &BucketDefinition{
		KeyField: "id",
		Fields: map[string]*FieldDefinition{
			"id":    {Type: FieldTypeString, Generated: GeneratedUUID},
			"name":  {Type: FieldTypeString, Required: true, MinLength: intPtr(1), MaxLength: intPtr(40)},
			"email": {Type: FieldTypeString, Required: true, Unique: true, Format: FormatEmail},
			"age":   {Type: FieldTypeNumber, Min: floatPtr(0), Max: floatPtr(150)},
		},
	}
}

func intPtr(n int) *int          { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestPrepareInsert_GeneratesAndValidates(t *testing.T) {
	v := New("users", sampleDef())

	rec, err := v.PrepareInsert(Document{"name": "Alice", "email": "alice@example.com", "age": 30.0}, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, rec["id"])
	assert.Equal(t, int64(1), rec["_version"])
	assert.NotNil(t, rec["_createdAt"])
}

func TestPrepareInsert_CollectsAllIssues(t *testing.T) {
	v := New("users", sampleDef())

	_, err := v.PrepareInsert(Document{"email": "not-an-email", "age": 999.0}, 1)
	require.Error(t, err)

	ve, ok := err.(*errs.ValidationError)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(ve.Issues), 3) // missing name, bad email format, age above max
}

func TestPrepareUpdate_StripsImmutableFields(t *testing.T) {
	v := New("users", sampleDef())

	existing, err := v.PrepareInsert(Document{"name": "Alice", "email": "alice@example.com"}, 1)
	require.NoError(t, err)

	updated, err := v.PrepareUpdate(existing, Document{"name": "Alice Smith", "id": "ignored", "_version": int64(99)})
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", updated["name"])
	assert.Equal(t, existing["id"], updated["id"])
	assert.Equal(t, int64(2), updated["_version"])
}

func TestValidate_RejectsWrongType(t *testing.T) {
	v := New("users", sampleDef())
	err := v.Validate(Document{"name": "Alice", "email": "a@b.com", "age": "not-a-number"})
	require.Error(t, err)
}

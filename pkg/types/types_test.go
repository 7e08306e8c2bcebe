package types_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/pkg/types"
)

func TestMetadataImportance(t *testing.T) {
	assert.Equal(t, types.DefaultImportance, types.Metadata(nil).Importance())
	assert.Equal(t, types.DefaultImportance, types.Metadata{}.Importance())
	assert.Equal(t, types.DefaultImportance, types.Metadata{"importance": "high"}.Importance())
	assert.Equal(t, 0.8, types.Metadata{"importance": 0.8}.Importance())
	assert.Equal(t, 1.0, types.Metadata{"importance": 7.0}.Importance(), "out-of-range values clamp")
	assert.Equal(t, 0.0, types.Metadata{"importance": -1.0}.Importance())
}

func TestMetadataCategories(t *testing.T) {
	md := types.Metadata{"categories": []interface{}{"a", "b", 3}}
	assert.Equal(t, []string{"a", "b"}, md.Categories(), "non-string entries are skipped")
	assert.Empty(t, types.Metadata{}.Categories())
	assert.Empty(t, types.Metadata{"categories": "not-a-list"}.Categories())
}

func TestValidRole(t *testing.T) {
	assert.True(t, types.ValidRole(types.RoleUser))
	assert.True(t, types.ValidRole(types.RoleAssistant))
	assert.True(t, types.ValidRole(types.RoleSystem))
	assert.False(t, types.ValidRole("robot"))
	assert.False(t, types.ValidRole(""))
}

func TestErrorChain(t *testing.T) {
	cause := errors.New("disk on fire")
	err := types.WrapError(types.CodeStorageUnavailable, cause, "open database").
		WithHint("check permissions")

	assert.True(t, types.IsCode(err, types.CodeStorageUnavailable))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "StorageUnavailable")
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, "check permissions", types.AsError(err).Hint)
}

func TestAsErrorWrapsUnknownErrors(t *testing.T) {
	plain := fmt.Errorf("something odd")
	coded := types.AsError(plain)
	assert.Equal(t, types.CodeInternal, coded.Code)
	assert.ErrorIs(t, coded, plain)

	assert.Nil(t, types.AsError(nil))
	assert.Equal(t, types.ErrorCode(""), types.CodeOf(nil))
}

func TestValidationCarriesField(t *testing.T) {
	err := types.Validation("limit", "limit must be between 1 and %d", 100)
	assert.True(t, types.IsCode(err, types.CodeValidation))
	assert.Equal(t, "limit", err.Data["field"])
	assert.Contains(t, err.Message, "100")
}

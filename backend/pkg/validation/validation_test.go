package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "kgraph/backend/pkg/errors"
)

type sample struct {
	Name  string `json:"name" validate:"notblank,max=5"`
	Score int    `json:"score" validate:"gte=1,lte=5"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct("sample", sample{Name: "ok", Score: 3}))

	err := Struct("sample", sample{Name: "   ", Score: 3})
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))

	var verr *apperrors.ErrValidation
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sample.name", verr.Field)

	err = Struct("sample", sample{Name: "x", Score: 9})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sample.score", verr.Field)
}

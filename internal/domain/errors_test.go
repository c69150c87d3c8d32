package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := Errorf(ErrVersionConflict, "expected %d, current %d", 2, 3)

	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, CodeVersionConflict, CodeOf(err))
}

func TestWrappedErrorKeepsCode(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("append: %w", Wrap(ErrSchemaValidation, cause))

	assert.True(t, errors.Is(err, ErrSchemaValidation))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, CodeSchemaValidation, CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("db down")))
}

func TestParseEmitterClass(t *testing.T) {
	c, ok := ParseEmitterClass(" external_authority ")
	assert.True(t, ok)
	assert.Equal(t, EmitterExternalAuthority, c)

	_, ok = ParseEmitterClass("ROBOT")
	assert.False(t, ok)
}

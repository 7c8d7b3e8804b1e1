package ingesterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkSurvivesWrapping(t *testing.T) {
	base := errors.New("connection reset")
	marked := Mark(base, ErrTransient)
	wrapped := fmt.Errorf("fetch E0/2021: %w", marked)

	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsStructural(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "fetch E0/2021: connection reset", wrapped.Error())
}

func TestMarkNeedsMarkerAwareIs(t *testing.T) {
	err := fmt.Errorf("catalog line 3: %w", Mark(errors.New("bad url"), ErrInvalidInput))
	assert.True(t, Is(err, ErrInvalidInput))
	assert.False(t, Is(err, ErrPermanent))
}

func TestMarkNil(t *testing.T) {
	assert.NoError(t, Mark(nil, ErrTransient))
}

func TestLoadFailure(t *testing.T) {
	err := Mark(errors.New("database is locked"), ErrLoadTransaction)
	assert.True(t, IsLoadFailure(err))
	assert.False(t, IsTransient(err))
}

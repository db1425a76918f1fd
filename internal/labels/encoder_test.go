package labels

import (
	"errors"
	"testing"

	"intent-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitAssignsFirstSeenIDs(t *testing.T) {
	enc := Fit([]models.CommandType{
		models.CommandWeather, models.CommandTime, models.CommandWeather, models.CommandNotes,
	})

	assert.Equal(t, 3, enc.Len())
	assert.Equal(t, []models.CommandType{models.CommandWeather, models.CommandTime, models.CommandNotes}, enc.Classes())

	for i, c := range enc.Classes() {
		id, err := enc.Encode(c)
		require.NoError(t, err)
		assert.Equal(t, i, id)

		back, err := enc.Decode(id)
		require.NoError(t, err)
		assert.Equal(t, c, back)
	}
}

func TestEncodeUnknownLabel(t *testing.T) {
	enc := Fit([]models.CommandType{models.CommandTime, models.CommandWeather})

	_, err := enc.Encode(models.CommandMusic)
	var unknown *UnknownLabelError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, models.CommandMusic, unknown.Label)

	_, err = enc.EncodeAll([]models.CommandType{models.CommandTime, models.CommandMusic})
	assert.True(t, errors.As(err, &unknown))

	_, err = enc.Decode(2)
	assert.Error(t, err)
}

func TestRestore(t *testing.T) {
	enc, err := Restore([]models.CommandType{models.CommandChat, models.CommandNews})
	require.NoError(t, err)
	id, err := enc.Encode(models.CommandNews)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = Restore([]models.CommandType{models.CommandChat, models.CommandChat})
	assert.Error(t, err)

	_, err = Restore([]models.CommandType{"karaoke"})
	assert.Error(t, err)
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataStatus(t *testing.T) {
	st, err := ParseDataStatus("INVALID")
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, st)

	_, err = ParseDataStatus("invalid")
	assert.Error(t, err)
}

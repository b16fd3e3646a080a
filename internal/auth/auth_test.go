package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenic/factsheet/internal/auth"
)

func TestGate_AcceptsMatchingToken(t *testing.T) {
	gate := auth.NewGate("s3cret")
	require.NoError(t, gate.Check("s3cret"))
}

func TestGate_RejectsWrongToken(t *testing.T) {
	gate := auth.NewGate("s3cret")
	err := gate.Check("wrong")
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestGate_RejectsEmptyToken(t *testing.T) {
	gate := auth.NewGate("s3cret")
	err := gate.Check("")
	require.ErrorIs(t, err, auth.ErrMissingToken)
}

func TestGate_WithEmptyConfiguredKeyRejectsEverything(t *testing.T) {
	gate := auth.NewGate("")
	err := gate.Check("anything")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_Current(t *testing.T) {
	p := NewStatic(3, "tok")

	s, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.EmployeeID)
	assert.Equal(t, "tok", s.Token)

	s, err = p.Current(WithEmployee(context.Background(), 11))
	require.NoError(t, err)
	assert.Equal(t, int64(11), s.EmployeeID)
	assert.Equal(t, "tok", s.Token)
}

func TestStatic_NoEmployee(t *testing.T) {
	p := NewStatic(0, "")

	_, err := p.Current(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStatic_TokenWithoutEmployee(t *testing.T) {
	p := NewStatic(0, "tok")

	_, err := p.Current(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, "tok", p.Token(context.Background()))
}

package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone(" +1 (415) 555-0100 ")
	require.NoError(t, err)
	assert.Equal(t, "+14155550100", got)

	got, err = NormalizePhone("447700900123")
	require.NoError(t, err)
	assert.Equal(t, "+447700900123", got)

	_, err = NormalizePhone("call me")
	assert.ErrorIs(t, err, ErrInvalidPhone)

	_, err = NormalizePhone("+12")
	assert.ErrorIs(t, err, ErrInvalidPhone)
}

func TestRenderTemplate(t *testing.T) {
	out := RenderTemplate("Hi {name}, your job {job} is {name}'s", map[string]string{"name": "Ana", "job": "J-7"})
	assert.Equal(t, "Hi Ana, your job J-7 is Ana's", out)
	assert.Equal(t, "Hi {who}", RenderTemplate("Hi {who}", nil))
}

func TestNewCommunicationID(t *testing.T) {
	a := NewCommunicationID()
	b := NewCommunicationID()
	assert.True(t, strings.HasPrefix(a, "com_"))
	assert.Len(t, a, 30)
	assert.NotEqual(t, a, b)
}

package trace

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]+$`)

func TestNewTraceID(t *testing.T) {
	id := NewTraceID()
	assert.Len(t, id, 32)
	assert.Regexp(t, hexRe, id)
	assert.NotEqual(t, id, NewTraceID())
}

func TestNewSpanID(t *testing.T) {
	id := NewSpanID()
	assert.Len(t, id, 16)
	assert.Regexp(t, hexRe, id)
	assert.NotEqual(t, id, NewSpanID())
}

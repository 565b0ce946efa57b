package bufev

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByFlags(t *testing.T) {
	err := ioError("read", Read, FlagEOF, 0)
	target := &Error{Flags: FlagRead | FlagEOF}
	assert.True(t, errors.Is(err, target))

	other := &Error{Flags: FlagWrite | FlagEOF}
	assert.False(t, errors.Is(err, other))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &Error{Op: "write", Flags: FlagWrite | FlagError, Inner: inner}
	assert.Equal(t, inner, errors.Unwrap(err))
	assert.True(t, errors.Is(err, inner))
}

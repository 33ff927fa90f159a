package bridgeerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, 400},
		{KindUnsupportedCommand, 400},
		{KindNotFound, 404},
		{KindAuthFailed, 401},
		{KindTimeout, 503},
		{KindUnavailable, 503},
		{KindCancelled, 503},
		{KindServiceCallFailed, 500},
		{KindProtocolError, 500},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.want, Code(New(tc.kind, "x")))
		})
	}
}

func TestCodeDefaultsTo500ForForeignErrors(t *testing.T) {
	assert.Equal(t, 500, Code(errors.New("boom")))
	assert.Equal(t, 500, Code(nil))
}

func TestCodeUnwrapsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(KindNotFound, "entity missing"))
	assert.Equal(t, 404, Code(wrapped))
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(New(KindTimeout, "slow"))
	assert.True(t, ok)
	assert.Equal(t, KindTimeout, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorIsComparesByKind(t *testing.T) {
	a := New(KindTimeout, "a")
	b := New(KindTimeout, "b")
	c := New(KindNotFound, "c")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestWrapPreservesUnderlying(t *testing.T) {
	cause := errors.New("dial failed")
	err := Wrap(KindUnavailable, "connect failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial failed")
}

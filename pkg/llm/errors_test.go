package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindTimeout, Message: "deadline expired while queued"}
	assert.Equal(t, "llm timeout: deadline expired while queued", err.Error())
}

func TestErrorRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTimeout, true},
		{KindUnavailable, true},
		{KindQuotaExceeded, true},
		{KindMalformedResponse, false},
		{KindAuth, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := &Error{Kind: tt.kind, Message: "x"}
			assert.Equal(t, tt.want, err.Retryable())
		})
	}
}

func TestKindOf(t *testing.T) {
	typed := &Error{Kind: KindAuth, Message: "rejected"}
	assert.Equal(t, KindAuth, KindOf(typed))

	// As sees through wrapping.
	wrapped := fmt.Errorf("capture failed: %w", typed)
	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindAuth))
	assert.False(t, IsKind(wrapped, KindTimeout))

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.False(t, IsKind(nil, KindAuth))
}

package messenger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindPermanent, Classify(NewError(KindPermanent, "blocked")))
	assert.Equal(t, KindRateLimited, Classify(NewError(KindRateLimited, "slow down")))
	assert.Equal(t, KindSessionLost, Classify(NewError(KindSessionLost, "dropped")))

	// Wrapped classified errors keep their kind.
	wrapped := fmt.Errorf("send: %w", NewError(KindPermanent, "blocked"))
	assert.Equal(t, KindPermanent, Classify(wrapped))

	// Deadlines and unknown errors are transient.
	assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, Classify(errors.New("mystery")))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(NewError(KindTransient, "x")))
	assert.True(t, IsRetryable(NewError(KindRateLimited, "x")))
	assert.True(t, IsRetryable(NewError(KindSessionLost, "x")))
	assert.False(t, IsRetryable(NewError(KindPermanent, "x")))
	assert.False(t, IsRetryable(NewError(KindValidation, "x")))
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	e := NewError(KindPermanent, "not on whatsapp")
	assert.Equal(t, "permanent: not on whatsapp", e.Error())

	inner := errors.New("dial timeout")
	w := WrapError(KindTransient, "send", inner)
	assert.Contains(t, w.Error(), "transient")
	assert.ErrorIs(t, w, inner)
}

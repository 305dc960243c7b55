package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedChain(t *testing.T) {
	inner := New(Conflict, "slot taken")
	outer := fmt.Errorf("create: %w", inner)

	assert.Equal(t, Conflict, KindOf(outer))
	assert.True(t, IsKind(outer, Conflict))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestAttachSurvivesWrapping(t *testing.T) {
	e := Newf(PolicyViolation, "quota of %d reached", 3).With([]uint{1, 2, 3})
	wrapped := fmt.Errorf("admission: %w", e)

	assert.Equal(t, []uint{1, 2, 3}, AttachOf(wrapped))
	assert.Nil(t, AttachOf(errors.New("plain")))
}

func TestRetryOnlyTransient(t *testing.T) {
	calls := 0
	err := Retry(3, time.Millisecond, func() error {
		calls++
		return New(Conflict, "nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-transient must not retry")

	calls = 0
	err = Retry(3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return New(Transient, "db busy")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(3, time.Millisecond, func() error {
		calls++
		return Wrap(Transient, "db busy", errors.New("locked"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, Transient, KindOf(err))
}

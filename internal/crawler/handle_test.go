package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunHandleCompleteOnce(t *testing.T) {
	t.Parallel()

	canceled := false
	h := NewRunHandle("run-1", time.Now(), func() { canceled = true })
	h.Cancel()
	require.True(t, canceled)

	h.Complete(Summary{RunID: "run-1", Checked: 3}, nil)
	h.Complete(Summary{RunID: "run-1", Checked: 99}, errors.New("ignored"))

	sum, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, sum.Checked)
}

func TestRunHandleWaitHonoursContext(t *testing.T) {
	t.Parallel()

	h := NewRunHandle("run-2", time.Now(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	h.Cancel() // nil cancel func is tolerated
}

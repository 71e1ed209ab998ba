package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/sonda/internal/errdefs"
	"github.com/metalagman/sonda/internal/state"
)

func TestDownloadLogCompleteRequiresBegin(t *testing.T) {
	t.Parallel()

	l := newDownloadLog()
	l.complete("unknown-guid")
	assert.Empty(t, l.all())

	l.begin("g1", "invoice.pdf")
	assert.Empty(t, l.all(), "pending download is not an event yet")

	l.complete("g1")
	events := l.all()
	require.Len(t, events, 1)
	assert.Equal(t, "invoice.pdf", events[0].Name)
	assert.False(t, events[0].CompletedAt.IsZero())
}

func TestDownloadLogWait(t *testing.T) {
	t.Parallel()

	l := newDownloadLog()
	l.begin("g1", "report-2026.csv")

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.complete("g1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, "report"))
}

func TestDownloadLogWaitTimesOut(t *testing.T) {
	t.Parallel()

	l := newDownloadLog()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMapRole(t *testing.T) {
	t.Parallel()

	assert.Equal(t, state.RoleButton, mapRole("button"))
	assert.Equal(t, state.RoleCheckbox, mapRole("checkbox"))
	assert.Equal(t, state.RoleOther, mapRole("marquee"))
	assert.Equal(t, state.RoleOther, mapRole(""))
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.defaults()
	assert.Equal(t, 30*time.Second, cfg.NavTimeout)
	assert.Equal(t, 10*time.Second, cfg.OpTimeout)
}

func TestOpErrClassifiesDeadlines(t *testing.T) {
	t.Parallel()

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	<-expired.Done()

	err := opErr("click #go", expired, errors.New("context deadline exceeded elsewhere"))
	assert.Equal(t, errdefs.KindTimeout, errdefs.KindOf(err))

	plain := opErr("click #go", context.Background(), errors.New("boom"))
	assert.NotEqual(t, errdefs.KindTimeout, errdefs.KindOf(plain))
	assert.Contains(t, plain.Error(), "click #go")
}

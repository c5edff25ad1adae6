package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	uploadCount   int
	downloadCount int
	uploadErr     error
}

func (f *fakeSyncer) Upload(context.Context) (int, error) {
	return f.uploadCount, f.uploadErr
}

func (f *fakeSyncer) Download(context.Context) (int, error) {
	return f.downloadCount, nil
}

func nextResult(t *testing.T, p *Poller) Result {
	t.Helper()
	select {
	case r := <-p.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync result")
		return Result{}
	}
}

func TestPollerRunsBothDirectionsOnStart(t *testing.T) {
	p := NewPoller(&fakeSyncer{uploadCount: 2, downloadCount: 3}, time.Hour)
	p.Start()
	defer p.Stop()

	assert.Equal(t, Result{Direction: DirectionUpload, Count: 2}, nextResult(t, p))
	assert.Equal(t, Result{Direction: DirectionDownload, Count: 3}, nextResult(t, p))

	statuses := p.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, DirectionUpload, statuses[0].Direction)
	assert.Equal(t, StateIdle, statuses[0].State)
	assert.Equal(t, 2, statuses[0].LastCount)
	assert.False(t, statuses[0].LastSync.IsZero())
	assert.Equal(t, 3, statuses[1].LastCount)
}

func TestPollerTrigger(t *testing.T) {
	p := NewPoller(&fakeSyncer{downloadCount: 1}, time.Hour)
	p.Start()
	defer p.Stop()

	nextResult(t, p)
	nextResult(t, p)

	p.Trigger(DirectionDownload)
	assert.Equal(t, Result{Direction: DirectionDownload, Count: 1}, nextResult(t, p))
}

func TestPollerRecordsErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewPoller(&fakeSyncer{uploadErr: boom}, time.Hour)
	p.Start()
	defer p.Stop()

	r := nextResult(t, p)
	assert.Equal(t, DirectionUpload, r.Direction)
	assert.ErrorIs(t, r.Error, boom)
	nextResult(t, p)

	status := p.Statuses()[0]
	assert.Equal(t, StateError, status.State)
	assert.Equal(t, "error", status.State.String())
	assert.ErrorIs(t, status.Error, boom)
	assert.True(t, status.LastSync.IsZero())
}

func TestPollerStopIsIdempotent(t *testing.T) {
	p := NewPoller(&fakeSyncer{}, 0)
	p.Stop()
	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
	assert.Equal(t, defaultInterval, p.interval)
}

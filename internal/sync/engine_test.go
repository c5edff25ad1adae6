package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/blob"
	"github.com/nhle/mailsync/internal/codec"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

const (
	uploadLocation   = "upload/client.jsonl.zip"
	downloadLocation = "download/client.jsonl.zip"
)

var fixedNow = time.Date(2024, 6, 1, 12, 30, 45, 123, time.UTC)

func testConfig() model.SyncConfig {
	return model.SyncConfig{
		UploadLocation:    uploadLocation,
		DownloadLocations: []string{downloadLocation},
	}
}

func newTestEngine(s store.Store, b blob.Store, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(s, b, testConfig(), opts...)
}

func compose(t *testing.T, s store.Store, from string, to ...string) model.Email {
	t.Helper()
	emails := []model.Email{{From: from, To: to, Subject: "hi", Body: "hello", Read: true}}
	require.NoError(t, s.Create(context.Background(), emails))
	return emails[0]
}

// mockBlob is a testify mock of blob.Store.
type mockBlob struct {
	mock.Mock
}

func (m *mockBlob) Upload(ctx context.Context, location string, payload []byte) error {
	return m.Called(ctx, location, payload).Error(0)
}

func (m *mockBlob) Download(ctx context.Context, location string) ([]byte, error) {
	args := m.Called(ctx, location)
	payload, _ := args.Get(0).([]byte)
	return payload, args.Error(1)
}

func (m *mockBlob) Delete(ctx context.Context, location string) error {
	return m.Called(ctx, location).Error(0)
}

type recordingNotifier struct {
	mu     gosync.Mutex
	events []Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func TestUploadEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := blob.NewMemory()
	engine := newTestEngine(s, b)

	a := compose(t, s, "sender@example.com", "x@y.z")

	outbox, err := s.Outbox(ctx, "sender@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{a.UID}, model.UIDs(outbox))
	sent, err := s.Sent(ctx, "sender@example.com")
	require.NoError(t, err)
	assert.Empty(t, sent)
	inbox, err := s.Inbox(ctx, "sender@example.com")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	count, err := engine.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sent, err = s.Sent(ctx, "sender@example.com")
	require.NoError(t, err)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].SentAt)
	assert.Equal(t, fixedNow.Truncate(time.Second), *sent[0].SentAt)

	payload, err := b.Download(ctx, uploadLocation)
	require.NoError(t, err)
	uploaded := codec.UnpackEmails(codec.Deserialize(payload))
	require.Len(t, uploaded, 1)
	assert.Equal(t, sent[0], uploaded[0])

	count, err = engine.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Empty(t, b.Locations(), "empty upload clears the location")

	sent, err = s.Sent(ctx, "sender@example.com")
	require.NoError(t, err)
	assert.Len(t, sent, 1)
}

func TestUploadSharesOneTimestamp(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	engine := newTestEngine(s, blob.NewMemory())

	compose(t, s, "alice@example.com", "bob@example.com")
	compose(t, s, "carol@example.com", "dave@example.com")

	count, err := engine.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	a, err := s.Sent(ctx, "alice@example.com")
	require.NoError(t, err)
	c, err := s.Sent(ctx, "carol@example.com")
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.Len(t, c, 1)
	assert.Equal(t, *a[0].SentAt, *c[0].SentAt)
}

func TestUploadFailureKeepsEmailsPending(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := new(mockBlob)
	b.On("Upload", mock.Anything, uploadLocation, mock.Anything).Return(errors.New("network down"))
	engine := newTestEngine(s, b)

	compose(t, s, "alice@example.com", "bob@example.com")

	count, err := engine.Upload(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network down")
	assert.Equal(t, 0, count)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Nil(t, pending[0].SentAt)
	b.AssertExpectations(t)
}

func TestUploadNothingPendingSendsEmptyPayload(t *testing.T) {
	b := new(mockBlob)
	b.On("Upload", mock.Anything, uploadLocation, mock.MatchedBy(func(p []byte) bool {
		return len(p) == 0
	})).Return(nil).Once()
	engine := newTestEngine(store.NewMemoryStore(), b)

	count, err := engine.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	b.AssertExpectations(t)
	b.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)
}

func putDownload(t *testing.T, b *blob.Memory, emails []model.Email, accounts []model.Account) {
	t.Helper()
	payload, err := codec.Serialize(codec.Pack(emails, accounts))
	require.NoError(t, err)
	require.NoError(t, b.Upload(context.Background(), downloadLocation, payload))
}

func TestDownloadAdmitsCompleteEmails(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := blob.NewMemory()
	engine := newTestEngine(s, b)

	putDownload(t, b, []model.Email{
		{UID: "complete", From: "remote@example.com", To: []string{"alice@example.com"}, Subject: "hello"},
		{UID: "bcc-only", From: "remote@example.com", Bcc: []string{"alice@example.com"}},
		{UID: "no-recipient", From: "remote@example.com", To: []string{" "}},
		{UID: "no-sender", To: []string{"alice@example.com"}},
		{From: "remote@example.com", To: []string{"alice@example.com"}},
	}, nil)

	count, err := engine.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	inbox, err := s.Inbox(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"complete", "bcc-only"}, model.UIDs(inbox))
	assert.False(t, inbox[0].Read)

	assert.Empty(t, b.Locations(), "consumed download is deleted")
}

func TestDownloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := blob.NewMemory()
	engine := newTestEngine(s, b)
	email := model.Email{UID: "u1", From: "remote@example.com", To: []string{"alice@example.com"}}

	putDownload(t, b, []model.Email{email}, nil)
	_, err := engine.Download(ctx)
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(ctx, "alice@example.com", []string{"u1"}))

	putDownload(t, b, []model.Email{email}, nil)
	_, err = engine.Download(ctx)
	require.NoError(t, err)

	inbox, err := s.Inbox(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.True(t, inbox[0].Read, "redelivery does not reset local state")
}

func TestDownloadReconcilesAccounts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := blob.NewMemory()
	engine := newTestEngine(s, b)

	require.NoError(t, s.CreateAccount(ctx, model.Account{Name: "alice"}))

	putDownload(t, b, nil, []model.Account{
		{Name: "ALICE", Email: "alice@lokole.example"},
		{Name: "unknown", Email: "unknown@example.com"},
	})

	count, err := engine.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	accounts, err := s.GetAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "ALICE", accounts[0].Name)
	assert.Equal(t, "alice@lokole.example", accounts[0].Email)
}

func TestDownloadCorruptPayload(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := blob.NewMemory()
	require.NoError(t, b.Upload(ctx, downloadLocation, []byte("not a zip")))
	engine := newTestEngine(s, b)

	count, err := engine.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDownloadMissingPayload(t *testing.T) {
	b := new(mockBlob)
	b.On("Download", mock.Anything, downloadLocation).Return(nil, nil)
	engine := newTestEngine(store.NewMemoryStore(), b)

	count, err := engine.Download(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	b.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDownloadFailureMergesNothing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := new(mockBlob)
	b.On("Download", mock.Anything, downloadLocation).Return(nil, errors.New("timeout"))
	engine := newTestEngine(s, b)

	_, err := engine.Download(ctx)
	require.Error(t, err)
	b.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestDownloadDeleteFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	payload, err := codec.Serialize(codec.Pack([]model.Email{
		{UID: "u1", From: "remote@example.com", To: []string{"alice@example.com"}},
	}, nil))
	require.NoError(t, err)

	b := new(mockBlob)
	b.On("Download", mock.Anything, downloadLocation).Return(payload, nil)
	b.On("Delete", mock.Anything, downloadLocation).Return(errors.New("forbidden"))
	engine := newTestEngine(s, b)

	count, err := engine.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	b.AssertExpectations(t)
}

func TestDownloadMultipleLocations(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := blob.NewMemory()
	engine := NewEngine(s, b, model.SyncConfig{
		UploadLocation:    uploadLocation,
		DownloadLocations: []string{"download/a.zip", "download/b.zip", "download/empty.zip"},
	})

	for i, location := range []string{"download/a.zip", "download/b.zip"} {
		payload, err := codec.Serialize(codec.Pack([]model.Email{{
			UID:  []string{"a", "b"}[i],
			From: "remote@example.com",
			To:   []string{"alice@example.com"},
		}}, nil))
		require.NoError(t, err)
		require.NoError(t, b.Upload(ctx, location, payload))
	}

	count, err := engine.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Empty(t, b.Locations())
}

func TestRoundTripBetweenClients(t *testing.T) {
	ctx := context.Background()
	b := blob.NewMemory()

	sender := store.NewMemoryStore()
	senderEngine := NewEngine(sender, b, model.SyncConfig{UploadLocation: "relay.zip"})
	receiver := store.NewMemoryStore()
	receiverEngine := NewEngine(receiver, b, model.SyncConfig{DownloadLocations: []string{"relay.zip"}})

	a := compose(t, sender, "alice@example.com", "bob@example.com")

	_, err := senderEngine.Upload(ctx)
	require.NoError(t, err)
	count, err := receiverEngine.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := receiver.Get(ctx, a.UID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Body)
	assert.True(t, got.IsSent())
}

func TestNotifierReceivesEvents(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	n := &recordingNotifier{err: errors.New("broker down")}
	engine := newTestEngine(s, blob.NewMemory(), WithNotifier(n))

	compose(t, s, "alice@example.com", "bob@example.com")
	_, err := engine.Upload(ctx)
	require.NoError(t, err, "notification errors do not fail the run")
	_, err = engine.Download(ctx)
	require.NoError(t, err)

	assert.Equal(t, []Event{
		{Direction: DirectionUpload, Count: 1, At: fixedNow},
		{Direction: DirectionDownload, Count: 0, At: fixedNow},
	}, n.events)
}

// gatedBlob blocks uploads until released.
type gatedBlob struct {
	*blob.Memory
	uploads atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedBlob) Upload(ctx context.Context, location string, payload []byte) error {
	if g.uploads.Add(1) == 1 {
		close(g.started)
	}
	<-g.release
	return g.Memory.Upload(ctx, location, payload)
}

func TestConcurrentUploadsShareOneRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	b := &gatedBlob{
		Memory:  blob.NewMemory(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := newTestEngine(s, b)
	compose(t, s, "alice@example.com", "bob@example.com")

	var wg gosync.WaitGroup
	counts := make([]int, 2)
	errs := make([]error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		counts[0], errs[0] = engine.Upload(ctx)
	}()
	<-b.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		counts[1], errs[1] = engine.Upload(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	close(b.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []int{1, 1}, counts)
	assert.Equal(t, int32(1), b.uploads.Load())
}

func TestUploadOutlivesCancelledCaller(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := &gatedBlob{
		Memory:  blob.NewMemory(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := newTestEngine(s, b)
	composed := compose(t, s, "alice@example.com", "bob@example.com")

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := engine.Upload(leaderCtx)
		leaderErr <- err
	}()
	<-b.started

	type result struct {
		count int
		err   error
	}
	joined := make(chan result, 1)
	go func() {
		n, err := engine.Upload(context.Background())
		joined <- result{n, err}
	}()
	time.Sleep(100 * time.Millisecond)

	cancel()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(b.release)
	res := <-joined
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.count)
	assert.Equal(t, int32(1), b.uploads.Load())

	pending, err := s.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	stored, err := s.Get(context.Background(), composed.UID)
	require.NoError(t, err)
	assert.True(t, stored.IsSent())
}

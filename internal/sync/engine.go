// Package sync moves mail between the local store and the remote blob
// store: pending mail is uploaded as one payload, and downloaded payloads
// are merged into the store.
package sync

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/nhle/mailsync/internal/blob"
	"github.com/nhle/mailsync/internal/codec"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Direction names one of the two sync operations.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Directions lists both directions in the order the poller runs them.
var Directions = []Direction{DirectionUpload, DirectionDownload}

// Event describes a completed sync run.
type Event struct {
	Direction Direction `json:"direction"`
	Count     int       `json:"count"`
	At        time.Time `json:"at"`
}

// Notifier is told about every successful sync run. Notification errors
// are logged and never fail the run.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Syncer runs the two sync directions.
type Syncer interface {
	Upload(ctx context.Context) (int, error)
	Download(ctx context.Context) (int, error)
}

// Engine implements Syncer on top of a Store and a blob.Store.
//
// Overlapping calls of the same direction share a single run, so the
// pending set is never read and uploaded twice at once.
type Engine struct {
	store             store.Store
	blobs             blob.Store
	uploadLocation    string
	downloadLocations []string
	notifier          Notifier
	now               func() time.Time
	group             singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the notifier told about completed runs.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the clock used to stamp uploads.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine that uploads to cfg.UploadLocation and
// downloads from every cfg.DownloadLocations entry.
func NewEngine(s store.Store, b blob.Store, cfg model.SyncConfig, opts ...Option) *Engine {
	e := &Engine{
		store:             s,
		blobs:             b,
		uploadLocation:    cfg.UploadLocation,
		downloadLocations: append([]string(nil), cfg.DownloadLocations...),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upload sends every pending email as one payload and returns how many
// were sent. The emails are marked sent, all with the same timestamp,
// only once the payload has been stored remotely; a failed upload leaves
// them pending. With nothing pending, an empty payload is uploaded,
// which clears the upload location.
func (e *Engine) Upload(ctx context.Context) (int, error) {
	return e.do(ctx, DirectionUpload, e.upload)
}

// Download merges the payloads at every download location into the store
// and returns how many emails were admitted. Incomplete emails are
// dropped, and a corrupt or missing payload counts as empty. Locations
// that held a payload are deleted once the merge has committed.
func (e *Engine) Download(ctx context.Context) (int, error) {
	return e.do(ctx, DirectionDownload, e.download)
}

func (e *Engine) do(
	ctx context.Context,
	dir Direction,
	run func(context.Context) (int, error),
) (int, error) {
	// The run is shared by every caller that joins it, so it must not end
	// when one of them gives up. It gets its own deadline instead, and
	// each caller stops waiting when its own context is done.
	ch := e.group.DoChan(string(dir), func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runTimeout)
		defer cancel()
		return run(runCtx)
	})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		if res.Shared {
			log.WithField("direction", dir).Debug("Joined in-flight sync run")
		}
		return res.Val.(int), nil
	}
}

func (e *Engine) upload(ctx context.Context) (int, error) {
	pending, err := e.store.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading pending emails: %w", err)
	}

	if len(pending) == 0 {
		if err := e.blobs.Upload(ctx, e.uploadLocation, nil); err != nil {
			return 0, fmt.Errorf("clearing upload location %s: %w", e.uploadLocation, err)
		}
		log.WithField("location", e.uploadLocation).Debug("Nothing to upload")
		e.notify(ctx, DirectionUpload, 0)
		return 0, nil
	}

	sentAt := e.now().UTC().Truncate(time.Second)
	for i := range pending {
		pending[i].SentAt = &sentAt
	}

	payload, err := codec.Serialize(codec.Pack(pending, nil))
	if err != nil {
		return 0, fmt.Errorf("serializing upload: %w", err)
	}

	if err := e.blobs.Upload(ctx, e.uploadLocation, payload); err != nil {
		return 0, fmt.Errorf("uploading to %s: %w", e.uploadLocation, err)
	}

	if err := e.store.MarkSent(ctx, model.UIDs(pending), sentAt); err != nil {
		return 0, fmt.Errorf("marking uploaded emails sent: %w", err)
	}

	log.WithFields(log.Fields{
		"location": e.uploadLocation,
		"emails":   len(pending),
		"bytes":    len(payload),
	}).Info("Uploaded pending emails")

	e.notify(ctx, DirectionUpload, len(pending))
	return len(pending), nil
}

func (e *Engine) download(ctx context.Context) (int, error) {
	var records []codec.Record
	var consumed []string
	for _, location := range e.downloadLocations {
		payload, err := e.blobs.Download(ctx, location)
		if err != nil {
			return 0, fmt.Errorf("downloading from %s: %w", location, err)
		}
		if len(payload) == 0 {
			continue
		}
		consumed = append(consumed, location)

		decoded := codec.Deserialize(payload)
		if len(decoded) == 0 {
			log.WithField("location", location).Warn("Downloaded payload is empty or corrupt")
		}
		records = append(records, decoded...)
	}

	var admitted []model.Email
	dropped := 0
	for _, email := range codec.UnpackEmails(records) {
		if !email.IsComplete() {
			dropped++
			continue
		}
		admitted = append(admitted, email)
	}
	accounts := codec.UnpackAccounts(records)

	if len(admitted) > 0 || len(accounts) > 0 {
		if err := e.store.Merge(ctx, admitted, accounts); err != nil {
			return 0, fmt.Errorf("merging downloaded records: %w", err)
		}
	}

	for _, location := range consumed {
		if err := e.blobs.Delete(ctx, location); err != nil {
			log.WithError(err).WithField("location", location).
				Warn("Failed to delete consumed download")
		}
	}

	log.WithFields(log.Fields{
		"locations": len(consumed),
		"admitted":  len(admitted),
		"dropped":   dropped,
		"accounts":  len(accounts),
	}).Info("Downloaded remote updates")

	e.notify(ctx, DirectionDownload, len(admitted))
	return len(admitted), nil
}

func (e *Engine) notify(ctx context.Context, dir Direction, count int) {
	if e.notifier == nil {
		return
	}
	event := Event{Direction: dir, Count: count, At: e.now().UTC()}
	if err := e.notifier.Notify(ctx, event); err != nil {
		log.WithError(err).WithField("direction", dir).Warn("Failed to publish sync event")
	}
}

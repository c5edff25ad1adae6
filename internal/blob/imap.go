package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	log "github.com/sirupsen/logrus"
)

// subjectPrefix marks the messages that carry payloads.
const subjectPrefix = "mailsync:"

const payloadFilename = "payload.jsonl.zip"

// IMAP keeps each location as one message in a dedicated mailbox. The
// message subject names the location and the payload travels as its
// only attachment. An upload appends the new message before removing the
// old ones, so a concurrent download sees either payload but never none.
type IMAP struct {
	host     string
	port     string
	username string
	password string
	tls      bool
	mailbox  string
	from     string

	// dial overrides how connections are opened.
	dial func(addr string) (*imapclient.Client, error)
}

// NewIMAP creates an IMAP blob store. Connections are opened per call.
func NewIMAP(host, port, username, password string, tls bool, mailbox string) *IMAP {
	if mailbox == "" {
		mailbox = "mailsync"
	}
	return &IMAP{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
		mailbox:  mailbox,
		from:     username,
	}
}

// connect dials the server, logs in and selects the payload mailbox,
// creating it on first use. The caller must Logout the returned client.
func (s *IMAP) connect(_ context.Context) (*imapclient.Client, error) {
	addr := s.host + ":" + s.port

	var client *imapclient.Client
	var err error
	switch {
	case s.dial != nil:
		client, err = s.dial(addr)
	case s.tls:
		client, err = imapclient.DialTLS(addr, nil)
	default:
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(s.username, s.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("imap login %s: %w", s.username, err)
	}

	if _, err := client.Select(s.mailbox, nil).Wait(); err != nil {
		if createErr := client.Create(s.mailbox, nil).Wait(); createErr != nil {
			_ = client.Logout().Wait()
			return nil, fmt.Errorf("creating mailbox %s: %w", s.mailbox, createErr)
		}
		if _, err := client.Select(s.mailbox, nil).Wait(); err != nil {
			_ = client.Logout().Wait()
			return nil, fmt.Errorf("selecting mailbox %s: %w", s.mailbox, err)
		}
	}
	return client, nil
}

func (s *IMAP) Upload(ctx context.Context, location string, payload []byte) error {
	if len(payload) == 0 {
		return s.Delete(ctx, location)
	}

	msg, err := buildMessage(s.from, location, payload, time.Now())
	if err != nil {
		return err
	}

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	previous, err := findLocation(client, location)
	if err != nil {
		return err
	}

	appendCmd := client.Append(s.mailbox, int64(len(msg)), nil)
	if _, err := appendCmd.Write(msg); err != nil {
		_ = appendCmd.Close()
		return fmt.Errorf("appending %s: %w", location, err)
	}
	if err := appendCmd.Close(); err != nil {
		return fmt.Errorf("appending %s: %w", location, err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return fmt.Errorf("appending %s: %w", location, err)
	}

	log.WithFields(log.Fields{
		"location": location,
		"bytes":    len(payload),
		"replaced": len(previous),
	}).Debug("Payload appended to IMAP")

	return removeMessages(client, previous)
}

func (s *IMAP) Download(ctx context.Context, location string) ([]byte, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	uids, err := findLocation(client, location)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// The highest UID is the most recent upload.
	latest := uids[len(uids)-1]
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(latest), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", location, err)
	}
	if len(buffers) == 0 {
		return nil, nil
	}

	raw := buffers[0].FindBodySection(bodySection)
	payload, err := extractPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", location, err)
	}
	return payload, nil
}

func (s *IMAP) Delete(ctx context.Context, location string) error {
	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	uids, err := findLocation(client, location)
	if err != nil {
		return err
	}
	return removeMessages(client, uids)
}

// findLocation returns the UIDs, ascending, of the messages whose subject
// is exactly the location's subject. The server-side header search is a
// substring match, so envelopes are checked before trusting a hit.
func findLocation(client *imapclient.Client, location string) ([]imap.UID, error) {
	subject := subjectPrefix + location
	searchData, err := client.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: subject}},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", location, err)
	}

	candidates := searchData.AllUIDs()
	if len(candidates) == 0 {
		return nil, nil
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(candidates...), &imap.FetchOptions{
		UID:      true,
		Envelope: true,
	})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching envelopes for %s: %w", location, err)
	}

	var uids []imap.UID
	for _, buf := range buffers {
		if buf.Envelope != nil && buf.Envelope.Subject == subject {
			uids = append(uids, buf.UID)
		}
	}
	slices.Sort(uids)
	return uids, nil
}

// removeMessages flags the messages deleted and expunges the mailbox.
func removeMessages(client *imapclient.Client, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	storeCmd := client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("flagging messages deleted: %w", err)
	}
	if err := client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunging messages: %w", err)
	}
	return nil
}

// buildMessage wraps payload in a MIME message with a single attachment.
func buildMessage(from, location string, payload []byte, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(subjectPrefix + location)
	if from != "" {
		h.SetAddressList("From", []*mail.Address{{Address: from}})
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", "application/zip")
	ah.Set("Content-Transfer-Encoding", "base64")
	ah.SetFilename(payloadFilename)

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, fmt.Errorf("creating attachment: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, fmt.Errorf("writing attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing message: %w", err)
	}
	return buf.Bytes(), nil
}

// extractPayload returns the decoded content of the first attachment.
func extractPayload(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading message part: %w", err)
		}
		if _, ok := part.Header.(*mail.AttachmentHeader); !ok {
			continue
		}
		payload, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("reading attachment: %w", err)
		}
		return payload, nil
	}
}

// String describes the store for logs without exposing credentials.
func (s *IMAP) String() string {
	return fmt.Sprintf("imap://%s@%s:%s/%s",
		strings.TrimSpace(s.username), s.host, s.port, s.mailbox)
}

package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
)

// messageIDDomain is the right-hand side of exported Message-Ids.
const messageIDDomain = "mailsync.local"

// Export writes e as an RFC 5322 message with a plain text body and one
// part per attachment. Bcc recipients are not written.
func Export(w io.Writer, e model.Email) error {
	var h mail.Header
	h.SetAddressList("From", toAddresses([]string{e.From}))
	if len(e.To) > 0 {
		h.SetAddressList("To", toAddresses(e.To))
	}
	if len(e.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(e.Cc))
	}
	h.SetSubject(e.Subject)
	h.SetMessageID(e.UID + "@" + messageIDDomain)
	if e.SentAt != nil {
		h.SetDate(*e.SentAt)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("creating message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("creating text part: %w", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := tw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(pw, e.Body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	pw.Close()
	tw.Close()

	for _, a := range e.Attachments {
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", "application/octet-stream")
		ah.SetFilename(a.Filename)
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("creating attachment %s: %w", a.Filename, err)
		}
		if _, err := aw.Write(decodeContent(a.Content)); err != nil {
			return fmt.Errorf("writing attachment %s: %w", a.Filename, err)
		}
		aw.Close()
	}

	return mw.Close()
}

// Parse reads an RFC 5322 message into a Draft. The first text/plain
// part becomes the body and attachments are kept base64 encoded.
func Parse(r io.Reader) (Draft, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Draft{}, fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	var d Draft
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		d.From = from[0].Address
	}
	d.To = headerAddresses(mr.Header, "To")
	d.Cc = headerAddresses(mr.Header, "Cc")
	d.Bcc = headerAddresses(mr.Header, "Bcc")
	d.Subject, _ = mr.Header.Subject()

	bodySet := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return d, fmt.Errorf("reading message part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if bodySet || (contentType != "" && !strings.HasPrefix(contentType, "text/plain")) {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return d, fmt.Errorf("reading body: %w", err)
			}
			d.Body = string(body)
			bodySet = true

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return d, fmt.Errorf("reading attachment %s: %w", filename, err)
			}
			d.Attachments = append(d.Attachments, model.Attachment{
				Filename: filename,
				Content:  base64.StdEncoding.EncodeToString(content),
			})
		}
	}
	return d, nil
}

// Import parses an .eml message and composes it as a new outgoing email
// from the given sender. The message's own From header is used when from
// is empty.
func (s *Service) Import(ctx context.Context, r io.Reader, from string) (*model.Email, error) {
	d, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(from) != "" {
		d.From = from
	}
	return s.Compose(ctx, d)
}

func toAddresses(addresses []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

func headerAddresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// decodeContent turns stored attachment content back into bytes. Content
// that is not valid base64 is written as is.
func decodeContent(content string) []byte {
	if data, err := base64.StdEncoding.DecodeString(content); err == nil {
		return data
	}
	return []byte(content)
}

package blob

import (
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndExtractMessage(t *testing.T) {
	payload := []byte("PK\x03\x04 binary \x00\xff payload")

	msg, err := buildMessage("sync@example.com", "upload/client.zip", payload,
		time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Contains(t, string(msg), "Subject: mailsync:upload/client.zip")

	got, err := extractPayload(msg)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestExtractPayloadWithoutAttachment(t *testing.T) {
	raw := []byte("Subject: hi\r\nContent-Type: text/plain\r\n\r\nhello\r\n")
	got, err := extractPayload(raw)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// newTestIMAP starts an in-memory IMAP server and returns a store that
// talks to it over plain TCP.
func newTestIMAP(t *testing.T) *IMAP {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser("sync@example.com", "secret")
	require.NoError(t, user.Create("INBOX", nil))
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	s := NewIMAP(host, port, "sync@example.com", "secret", false, "")
	s.dial = func(addr string) (*imapclient.Client, error) {
		return imapclient.DialInsecure(addr, nil)
	}
	return s
}

func TestIMAP(t *testing.T) {
	runContract(t, newTestIMAP(t))
}

func TestIMAPString(t *testing.T) {
	s := NewIMAP("imap.example.com", "993", "me", "secret", true, "")
	assert.Equal(t, "imap://me@imap.example.com:993/mailsync", s.String())
	assert.NotContains(t, s.String(), "secret")
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/sync"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, msg).Error(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}

func TestAMQPDeclaresDurableTopicExchange(t *testing.T) {
	ch := new(mockChannel)
	ch.On("ExchangeDeclare", "mailsync", "topic", true).Return(nil)

	_, err := newAMQP(ch, "mailsync")
	require.NoError(t, err)
	ch.AssertExpectations(t)
}

func TestAMQPDeclareFailure(t *testing.T) {
	ch := new(mockChannel)
	ch.On("ExchangeDeclare", "mailsync", "topic", true).Return(errors.New("access refused"))

	_, err := newAMQP(ch, "mailsync")
	assert.ErrorContains(t, err, "access refused")
}

func TestAMQPNotifyPublishesEvent(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	event := sync.Event{Direction: sync.DirectionUpload, Count: 3, At: at}

	ch := new(mockChannel)
	ch.On("ExchangeDeclare", "mailsync", "topic", true).Return(nil)
	ch.On("PublishWithContext", "mailsync", "mailsync.upload.completed", mock.MatchedBy(func(msg amqp.Publishing) bool {
		var got sync.Event
		if err := json.Unmarshal(msg.Body, &got); err != nil {
			return false
		}
		return msg.ContentType == "application/json" &&
			msg.DeliveryMode == amqp.Persistent &&
			got.Count == 3 && got.Direction == sync.DirectionUpload && got.At.Equal(at)
	})).Return(nil)
	ch.On("Close").Return(nil)

	n, err := newAMQP(ch, "mailsync")
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), event))
	require.NoError(t, n.Close())
	ch.AssertExpectations(t)
}

func TestAMQPNotifyFailure(t *testing.T) {
	ch := new(mockChannel)
	ch.On("ExchangeDeclare", "mailsync", "topic", true).Return(nil)
	ch.On("PublishWithContext", "mailsync", "mailsync.download.completed", mock.Anything).
		Return(errors.New("channel closed"))

	n, err := newAMQP(ch, "mailsync")
	require.NoError(t, err)

	err = n.Notify(context.Background(), sync.Event{Direction: sync.DirectionDownload})
	assert.ErrorContains(t, err, "channel closed")
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "mailsync.download.completed", RoutingKey(sync.DirectionDownload))
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, Log{}.Notify(context.Background(), sync.Event{Direction: sync.DirectionUpload}))
}

package kafka

import (
	"context"
	"errors"
	"testing"

	"KnowForge/internal/modules/dataset/infrastructure/mq"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSendsValue(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"ok":true}` {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})
	pub := newPublisherWithProducer(sp)

	_, err := pub.Publish(context.Background(), mq.Message{
		Topic:   "knowforge.usage",
		Key:     []byte("owner-1"),
		Value:   []byte(`{"ok":true}`),
		Headers: map[string]string{"kind": "embedding", " ": "skipped"},
	})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestPublishRejectsEmptyTopicAndCanceledContext(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	pub := newPublisherWithProducer(sp)

	_, err := pub.Publish(context.Background(), mq.Message{Value: []byte("x")})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, mq.Message{Topic: "t", Value: []byte("x")})
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, pub.Close())
}

func TestPublishPropagatesProducerError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(errors.New("broker down"))
	pub := newPublisherWithProducer(sp)

	_, err := pub.Publish(context.Background(), mq.Message{Topic: "t", Value: []byte("x")})
	assert.EqualError(t, err, "broker down")
	require.NoError(t, pub.Close())
}

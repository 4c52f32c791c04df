package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

var _ mqtt.Token = &fakeToken{}

func newFakeToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	messages     []published
	err          error
	hang         bool
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	return newFakeToken(c.err, !c.hang)
}

func (c *fakeClient) Disconnect(uint) {
	c.disconnected = true
}

func TestPublishRun(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(client, "", zaptest.NewLogger(t).Sugar())
	assert.Equal(t, DefaultTopic, p.Topic())

	summary := RunSummary{
		RunID:     "run-1",
		Mode:      "PositionRamp",
		Samples:   500,
		MaxTime:   1.996,
		MaxVolume: 9.08,
	}
	require.NoError(t, p.PublishRun(context.Background(), summary))

	require.Len(t, client.messages, 1)
	msg := client.messages[0]
	assert.Equal(t, DefaultTopic, msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.False(t, msg.retained)

	var decoded RunSummary
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, summary, decoded)

	require.NoError(t, p.Close())
	assert.True(t, client.disconnected)
}

func TestPublishErrors(t *testing.T) {
	t.Run("BrokerError", func(t *testing.T) {
		broker := errors.New("not authorized")
		p := newPublisher(&fakeClient{err: broker}, "lab/pump", nil)

		err := p.PublishRun(context.Background(), RunSummary{RunID: "run-2"})
		require.ErrorIs(t, err, broker)
		assert.Contains(t, err.Error(), "run-2")
	})

	t.Run("ContextDone", func(t *testing.T) {
		p := newPublisher(&fakeClient{hang: true}, "lab/pump", nil)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := p.PublishRun(ctx, RunSummary{RunID: "run-3"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestConnectRequiresBroker(t *testing.T) {
	_, err := Connect(Config{}, nil)
	require.Error(t, err)
}

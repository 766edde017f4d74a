package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSaramaConfig(t *testing.T) {
	sc, err := BuildSaramaConfig(&Config{
		ClientID:     "eidos-endpoints",
		Version:      "2.8.0",
		RequiredAcks: 1,
		Timeout:      5 * time.Second,
		RetryMax:     7,
		Compression:  "snappy",
	})
	require.NoError(t, err)

	assert.Equal(t, "eidos-endpoints", sc.ClientID)
	assert.Equal(t, sarama.V2_8_0_0, sc.Version)
	assert.Equal(t, sarama.WaitForLocal, sc.Producer.RequiredAcks)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.Equal(t, 5*time.Second, sc.Producer.Timeout)
	assert.Equal(t, 7, sc.Producer.Retry.Max)
	assert.True(t, sc.Producer.Return.Successes)
	assert.False(t, sc.Net.SASL.Enable)
}

func TestBuildSaramaConfig_SASL(t *testing.T) {
	tests := []struct {
		mechanism string
		want      sarama.SASLMechanism
		scram     bool
	}{
		{"SCRAM-SHA-256", sarama.SASLTypeSCRAMSHA256, true},
		{"SCRAM-SHA-512", sarama.SASLTypeSCRAMSHA512, true},
		{"PLAIN", sarama.SASLTypePlaintext, false},
	}
	for _, tt := range tests {
		t.Run(tt.mechanism, func(t *testing.T) {
			sc, err := BuildSaramaConfig(&Config{
				SASL: &SASLConfig{Enable: true, Mechanism: tt.mechanism, Username: "u", Password: "p"},
			})
			require.NoError(t, err)
			assert.True(t, sc.Net.SASL.Enable)
			assert.Equal(t, tt.want, sc.Net.SASL.Mechanism)
			assert.Equal(t, "u", sc.Net.SASL.User)
			if tt.scram {
				require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
				client := sc.Net.SASL.SCRAMClientGeneratorFunc()
				require.NoError(t, client.Begin("u", "p", ""))
				first, err := client.Step("")
				require.NoError(t, err)
				assert.Contains(t, first, "n=u")
				assert.False(t, client.Done())
			}
		})
	}
}

func TestBuildSaramaConfig_BadVersion(t *testing.T) {
	_, err := BuildSaramaConfig(&Config{Version: "not-a-version"})
	assert.Error(t, err)
}

func TestNewProducer_NoBrokers(t *testing.T) {
	_, err := NewProducer(&Config{})
	assert.ErrorIs(t, err, ErrNoBrokers)
	_, err = NewProducer(nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestProducer_Send(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "endpoint-selection-events" {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "blockchain_rpc" {
			return errors.New("unexpected key " + string(key))
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "event_type" {
			return errors.New("missing header")
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(sp)
	msg := &Message{
		Topic:   "endpoint-selection-events",
		Key:     []byte("blockchain_rpc"),
		Value:   []byte(`{}`),
		Headers: map[string]string{"event_type": "primary_switch"},
	}

	_, _, err := p.Send(context.Background(), msg)
	require.NoError(t, err)

	_, _, err = p.Send(context.Background(), msg)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "second close is a no-op")
	_, _, err = p.Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestProducer_SendValidation(t *testing.T) {
	p := NewProducerFrom(mocks.NewSyncProducer(t, nil))
	defer p.Close()

	_, _, err := p.Send(context.Background(), &Message{Value: []byte("x")})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = p.Send(ctx, &Message{Topic: "t"})
	assert.ErrorIs(t, err, context.Canceled)
}

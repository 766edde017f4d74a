// Package kafka 提供基于 sarama 的同步生产者封装
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-endpoints/pkg/logger"
)

var (
	// ErrProducerClosed 生产者已关闭
	ErrProducerClosed = errors.New("producer is closed")
	// ErrNoBrokers 未配置 broker
	ErrNoBrokers = errors.New("kafka brokers is required")
)

// Config 生产者配置
type Config struct {
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
	// Version Kafka 版本 (如 "2.8.0")
	Version string `yaml:"version" json:"version"`
	// RequiredAcks 0=不等待, 1=Leader, -1=所有 ISR
	RequiredAcks int           `yaml:"required_acks" json:"required_acks"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	RetryMax     int           `yaml:"retry_max" json:"retry_max"`
	// Compression none, gzip, snappy, lz4, zstd
	Compression string `yaml:"compression" json:"compression"`

	SASL *SASLConfig `yaml:"sasl" json:"sasl"`
}

// SASLConfig SASL 认证配置
type SASLConfig struct {
	Enable bool `yaml:"enable" json:"enable"`
	// Mechanism PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Mechanism string `yaml:"mechanism" json:"mechanism"`
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
}

// Message 待发送消息
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Producer 同步生产者
type Producer struct {
	producer sarama.SyncProducer
	closed   atomic.Bool
	log      *zap.Logger
}

// NewProducer 按配置连接 broker 并创建生产者
func NewProducer(cfg *Config) (*Producer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	saramaConfig, err := BuildSaramaConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build sarama config failed: %w", err)
	}

	sp, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create sync producer failed: %w", err)
	}

	p := NewProducerFrom(sp)
	p.log.Info("kafka producer created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("client_id", cfg.ClientID))
	return p, nil
}

// NewProducerFrom 使用已有的 sarama.SyncProducer (测试中传入 mocks.SyncProducer)
func NewProducerFrom(sp sarama.SyncProducer) *Producer {
	return &Producer{
		producer: sp,
		log:      logger.Named("kafka"),
	}
}

// BuildSaramaConfig 构建 sarama 生产者配置
func BuildSaramaConfig(cfg *Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version failed: %w", err)
		}
		sc.Version = version
	}
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}

	switch cfg.RequiredAcks {
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	case 1:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	default:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	}

	switch cfg.Compression {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.Timeout > 0 {
		sc.Producer.Timeout = cfg.Timeout
	}
	if cfg.RetryMax > 0 {
		sc.Producer.Retry.Max = cfg.RetryMax
	}

	// 同步生产者必须返回结果
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true

	if cfg.SASL != nil && cfg.SASL.Enable {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.SASL.Username
		sc.Net.SASL.Password = cfg.SASL.Password

		switch cfg.SASL.Mechanism {
		case "SCRAM-SHA-256":
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgScramClient{HashGeneratorFcn: SHA256}
			}
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgScramClient{HashGeneratorFcn: SHA512}
			}
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		default:
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		}
	}

	return sc, nil
}

// Send 同步发送单条消息，返回分区与 offset
func (p *Producer) Send(ctx context.Context, msg *Message) (int32, int64, error) {
	if p.closed.Load() {
		return 0, 0, ErrProducerClosed
	}
	if msg == nil || msg.Topic == "" {
		return 0, 0, errors.New("message topic is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Value: sarama.ByteEncoder(msg.Value),
	}
	if len(msg.Key) > 0 {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		return 0, 0, fmt.Errorf("send kafka message failed: %w", err)
	}
	return partition, offset, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.producer.Close()
}

package kafka

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	"github.com/xdg-go/scram"
)

// SHA256 SCRAM-SHA-256 哈希函数
var SHA256 scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }

// SHA512 SCRAM-SHA-512 哈希函数
var SHA512 scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }

// xdgScramClient 实现 sarama.SCRAMClient
type xdgScramClient struct {
	*scram.Client
	*scram.ClientConversation
	HashGeneratorFcn scram.HashGeneratorFcn
}

func (x *xdgScramClient) Begin(userName, password, authzID string) error {
	client, err := x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.Client = client
	x.ClientConversation = client.NewConversation()
	return nil
}

func (x *xdgScramClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgScramClient) Done() bool {
	return x.ClientConversation.Done()
}

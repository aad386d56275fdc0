package kafka

import (
	"crypto/sha512"

	"github.com/xdg-go/scram"
)

var SHA512 scram.HashGeneratorFcn = sha512.New

// XDGSCRAMClient adapts xdg-go/scram to sarama.SCRAMClient.
type XDGSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *XDGSCRAMClient) Begin(userName, password, authzID string) error {
	client, err := x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}

	x.Client = client
	x.ClientConversation = client.NewConversation()

	return nil
}

func (x *XDGSCRAMClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *XDGSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}

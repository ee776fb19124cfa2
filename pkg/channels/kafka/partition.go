package kafka

import (
	"github.com/ThreeDotsLabs/watermill/message"
)

const metadataKey = "key"

func partitionKey(_ string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(metadataKey), nil
}

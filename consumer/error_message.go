package consumer

import (
	"encoding/base64"
	"time"

	"github.com/glimte/mmate-consumer/contracts"
)

// ErrorTypeName is the Type property of messages published to error exchanges
const ErrorTypeName = "mmate.error"

// Error is the document published to the error exchange for a failed delivery
type Error struct {
	RoutingKey    string                       `json:"routingKey"`
	Exchange      string                       `json:"exchange"`
	Queue         string                       `json:"queue"`
	Exception     string                       `json:"exception"`
	ExceptionType string                       `json:"exceptionType"`
	Message       string                       `json:"message"`
	DateTime      time.Time                    `json:"dateTime"`
	Properties    *contracts.MessageProperties `json:"properties"`
}

// ErrorMessageSerializer embeds the original body in an Error document
type ErrorMessageSerializer interface {
	Serialize(body []byte) string
	Deserialize(message string) ([]byte, error)
}

// PlainErrorMessageSerializer keeps the body as UTF-8 text
type PlainErrorMessageSerializer struct{}

func (PlainErrorMessageSerializer) Serialize(body []byte) string {
	return string(body)
}

func (PlainErrorMessageSerializer) Deserialize(message string) ([]byte, error) {
	return []byte(message), nil
}

// Base64ErrorMessageSerializer encodes the body with standard base64, for
// binary payloads
type Base64ErrorMessageSerializer struct{}

func (Base64ErrorMessageSerializer) Serialize(body []byte) string {
	return base64.StdEncoding.EncodeToString(body)
}

func (Base64ErrorMessageSerializer) Deserialize(message string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(message)
}

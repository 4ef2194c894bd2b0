package contracts

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery modes
const (
	Transient  uint8 = amqp.Transient
	Persistent uint8 = amqp.Persistent
)

// MessageProperties is the mutable property bag of a message. It is owned by
// the envelope it belongs to; the serialization strategy stamps Type and
// CorrelationID on the same instance.
type MessageProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         map[string]interface{}
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
}

// PropertiesFromDelivery copies the AMQP properties of a delivery
func PropertiesFromDelivery(d amqp.Delivery) *MessageProperties {
	return &MessageProperties{
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		Headers:         copyHeaders(d.Headers),
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageID:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		UserID:          d.UserId,
		AppID:           d.AppId,
	}
}

// Publishing builds an AMQP publishing from the properties and a body
func (p *MessageProperties) Publishing(body []byte) amqp.Publishing {
	return amqp.Publishing{
		Headers:         amqp.Table(copyHeaders(p.Headers)),
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserID,
		AppId:           p.AppID,
		Body:            body,
	}
}

// Clone returns a copy that shares nothing mutable with p
func (p *MessageProperties) Clone() *MessageProperties {
	if p == nil {
		return &MessageProperties{}
	}
	c := *p
	c.Headers = copyHeaders(p.Headers)
	return &c
}

func copyHeaders(h map[string]interface{}) map[string]interface{} {
	if h == nil {
		return nil
	}
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Package work defines the outbound protocol actions buffered by the work list.
package work

import (
	"time"

	"github.com/google/uuid"

	"github.com/dokzlo13/jackalope/internal/expiry"
)

// Kind identifies the protocol action an item carries.
type Kind string

const (
	KindPublish     Kind = "publish"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
)

// Filter is a topic filter with the QoS requested for it.
type Filter struct {
	Topic string `json:"topic"`
	QoS   byte   `json:"qos"`
}

// Item is one buffered protocol action. It embeds its own expiration so the
// work list can rebase it after a restart.
type Item struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Topic     string            `json:"topic,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	QoS       byte              `json:"qos,omitempty"`
	Retain    bool              `json:"retain,omitempty"`
	Filters   []Filter          `json:"filters,omitempty"`
	Topics    []string          `json:"topics,omitempty"`
	Expires   expiry.Expiration `json:"expires"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewPublish creates a publish item.
func NewPublish(topic string, payload []byte, qos byte, retain bool, expires expiry.Expiration) Item {
	return Item{
		ID:        uuid.NewString(),
		Kind:      KindPublish,
		Topic:     topic,
		Payload:   payload,
		QoS:       qos,
		Retain:    retain,
		Expires:   expires,
		CreatedAt: time.Now().UTC(),
	}
}

// NewSubscribe creates a subscribe item.
func NewSubscribe(filters []Filter, expires expiry.Expiration) Item {
	return Item{
		ID:        uuid.NewString(),
		Kind:      KindSubscribe,
		Filters:   filters,
		Expires:   expires,
		CreatedAt: time.Now().UTC(),
	}
}

// NewUnsubscribe creates an unsubscribe item.
func NewUnsubscribe(topics []string, expires expiry.Expiration) Item {
	return Item{
		ID:        uuid.NewString(),
		Kind:      KindUnsubscribe,
		Topics:    topics,
		Expires:   expires,
		CreatedAt: time.Now().UTC(),
	}
}

// Expiration returns the embedded expiration.
func Expiration(it Item) expiry.Expiration {
	return it.Expires
}

// WithExpiration returns a copy of it with the embedded expiration replaced.
func WithExpiration(it Item, e expiry.Expiration) Item {
	it.Expires = e
	return it
}

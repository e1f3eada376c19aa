package protocol

import (
	"time"

	"marketcache/internal/model"

	"github.com/google/uuid"
)

// MessageType is the wire discriminator. The set is closed: decoding rejects
// any other value, and rejects a known value whose payload fields do not
// match the variant.
type MessageType string

const (
	TypeAuthRequest        MessageType = "auth_request"
	TypePriceRequest       MessageType = "price_request"
	TypePriceResponse      MessageType = "price_response"
	TypePriceUpdate        MessageType = "price_update"
	TypeSubscribeRequest   MessageType = "subscribe_request"
	TypeUnsubscribeRequest MessageType = "unsubscribe_request"
	TypeAck                MessageType = "ack"
	TypeHeartbeat          MessageType = "heartbeat"
)

// Header carries the fields shared by every message variant.
type Header struct {
	Type          MessageType `json:"messageType"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// Message is implemented by every wire variant.
type Message interface {
	Kind() MessageType
	Correlation() string
}

func (h Header) Correlation() string { return h.CorrelationID }

// AuthRequest authenticates a TCP session. UDPPort optionally registers a
// UDP endpoint (the TCP peer address with that port) for broadcast pushes.
type AuthRequest struct {
	Header
	Token   string `json:"token"`
	UDPPort int    `json:"udpPort,omitempty"`
}

func (AuthRequest) Kind() MessageType { return TypeAuthRequest }

// PriceRequest asks for cached snapshots of specific coins. Served from the
// cache only; it never triggers a provider call.
type PriceRequest struct {
	Header
	CoinIDs  []string `json:"coinIds"`
	Currency string   `json:"currency,omitempty"`
}

func (PriceRequest) Kind() MessageType { return TypePriceRequest }

// PriceResponse answers a PriceRequest.
type PriceResponse struct {
	Header
	Prices  []model.CurrencySnapshot `json:"prices"`
	Success bool                     `json:"success"`
}

func (PriceResponse) Kind() MessageType { return TypePriceResponse }

// PriceUpdate is one coin's delta from a refresh cycle, pushed to subscribers.
type PriceUpdate struct {
	Header
	CoinID        string  `json:"coinId"`
	Price         float64 `json:"price"`
	PreviousPrice float64 `json:"previousPrice"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Currency      string  `json:"currency,omitempty"`
	FirstObserved bool    `json:"firstObserved,omitempty"`
}

func (PriceUpdate) Kind() MessageType { return TypePriceUpdate }

type SubscribeRequest struct {
	Header
	CoinIDs []string `json:"coinIds"`
}

func (SubscribeRequest) Kind() MessageType { return TypeSubscribeRequest }

type UnsubscribeRequest struct {
	Header
	CoinIDs []string `json:"coinIds"`
}

func (UnsubscribeRequest) Kind() MessageType { return TypeUnsubscribeRequest }

// Ack acknowledges a request, correlated by the request's correlationId.
type Ack struct {
	Header
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (Ack) Kind() MessageType { return TypeAck }

// Heartbeat is a liveness signal. Carries no payload.
type Heartbeat struct {
	Header
}

func (Heartbeat) Kind() MessageType { return TypeHeartbeat }

func newHeader(kind MessageType, correlationID string) Header {
	return Header{
		Type:          kind,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// NewAck builds an Ack correlated to a request.
func NewAck(correlationID string, success bool, message string) Ack {
	return Ack{
		Header:  newHeader(TypeAck, correlationID),
		Success: success,
		Message: message,
	}
}

// NewPriceResponse builds a PriceResponse correlated to a PriceRequest.
func NewPriceResponse(correlationID string, prices []model.CurrencySnapshot, success bool) PriceResponse {
	return PriceResponse{
		Header:  newHeader(TypePriceResponse, correlationID),
		Prices:  prices,
		Success: success,
	}
}

// NewPriceUpdate builds the wire form of one scheduler delta.
func NewPriceUpdate(update model.PriceUpdate) PriceUpdate {
	return PriceUpdate{
		Header:        newHeader(TypePriceUpdate, uuid.NewString()),
		CoinID:        update.CoinID,
		Price:         update.Price,
		PreviousPrice: update.PreviousPrice,
		Change:        update.Change,
		ChangePercent: update.ChangePercent,
		Currency:      update.Currency,
		FirstObserved: update.FirstObserved,
	}
}

// NewHeartbeat builds a liveness heartbeat.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Header: newHeader(TypeHeartbeat, "")}
}

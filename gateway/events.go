package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// EventKind is the closed set of webhook events this service understands.
// Anything else maps to EventUnknown and is acknowledged without side effects.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventChargeSuccess
	EventChargeFailed
	EventTransferSuccess
	EventTransferFailed
)

func (k EventKind) String() string {
	switch k {
	case EventChargeSuccess:
		return "charge.success"
	case EventChargeFailed:
		return "charge.failed"
	case EventTransferSuccess:
		return "transfer.success"
	case EventTransferFailed:
		return "transfer.failed"
	default:
		return "unknown"
	}
}

// Event is a webhook delivery normalized for the escrow service.
type Event struct {
	Kind      EventKind
	Reference string
	Amount    decimal.Decimal
	Customer  string
}

type webhookEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Customer  struct {
			Email string `json:"email"`
		} `json:"customer"`
	} `json:"data"`
}

// ParseEvent decodes a raw webhook body. Amounts arrive in minor units and
// are converted to major units here so the rest of the system only ever sees
// decimals.
func ParseEvent(body []byte) (Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("gateway: decode webhook body: %w", err)
	}
	if env.Data.Reference == "" {
		return Event{}, fmt.Errorf("gateway: webhook missing reference")
	}

	return Event{
		Kind:      kindOf(env.Event),
		Reference: env.Data.Reference,
		Amount:    decimal.New(env.Data.Amount, -2),
		Customer:  env.Data.Customer.Email,
	}, nil
}

func kindOf(name string) EventKind {
	switch name {
	case "charge.success":
		return EventChargeSuccess
	case "charge.failed":
		return EventChargeFailed
	case "transfer.success":
		return EventTransferSuccess
	case "transfer.failed":
		return EventTransferFailed
	default:
		return EventUnknown
	}
}

package gateway

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// inbound is the tagged client message; unknown types are rejected
// uniformly at dispatch.
type inbound struct {
	Type string `json:"type"`

	// auth
	Token    string `json:"token,omitempty"`
	UserID   int64  `json:"userID,omitempty"`
	AuthDate int64  `json:"authDate,omitempty"`

	// place_order
	OrderType string `json:"orderType,omitempty"`
	Side      string `json:"side,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Shares    int64  `json:"shares,omitempty"`
	Price     int    `json:"price,omitempty"`
	StopPrice int    `json:"stopPrice,omitempty"`

	// cancel_order, get_order
	OrderID string `json:"orderID,omitempty"`

	// market selection and filters
	Slug   string `json:"slug,omitempty"`
	Status string `json:"status,omitempty"`

	// add_liquidity, whole dollars
	Amount int64 `json:"amount,omitempty"`
}

// frame marshals one outbound message envelope
func frame(msgType string, data any) []byte {
	b, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: msgType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("outbound marshal failed")
		return nil
	}
	return b
}

func errorFrame(msgType, message string) []byte {
	return frame(msgType, map[string]string{"error": message})
}

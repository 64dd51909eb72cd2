// Package protocol is the wire codec for the trading backend's event stream.
// Frames are UTF-8 JSON objects with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Outbound frame types.
const (
	TypeSubscribe     = "subscribe"
	TypeSubscribeUser = "subscribe_user"
	TypeUnsubscribe   = "unsubscribe"
)

// envelope is the outer shape shared by every inbound frame.
type envelope struct {
	Type     string          `json:"type"`
	MarketID string          `json:"marketId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// flexFloat unmarshals from a JSON number or a numeric string; the backend
// sends decimal prices as strings in some payloads.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// flexOutcome unmarshals from a JSON bool (true = yes) or a string outcome
// / option id.
type flexOutcome string

func (o *flexOutcome) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*o = "yes"
		} else {
			*o = "no"
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = flexOutcome(strings.ToLower(strings.TrimSpace(s)))
	return nil
}

// flexTime unmarshals from an RFC 3339 string or a Unix timestamp in
// milliseconds (number or numeric string). Unparseable and non-positive
// values decode to the zero time so the trade is later excluded rather than
// failing the frame.
type flexTime time.Time

func fromUnixMilli(ms int64) flexTime {
	if ms <= 0 {
		return flexTime{}
	}
	return flexTime(time.UnixMilli(ms).UTC())
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err == nil {
		*t = fromUnixMilli(int64(ms))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*t = flexTime{}
		return nil
	}
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*t = flexTime(ts.UTC())
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = fromUnixMilli(n)
		return nil
	}
	*t = flexTime{}
	return nil
}

// wireLevel is one price level as sent by the backend.
type wireLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// wireBook is the data payload of an orderbook_update frame.
type wireBook struct {
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
	Timestamp flexTime    `json:"timestamp"`
}

// wireTrade is the data payload of a new_trade frame. The outcome arrives
// either as "outcome" or as the boolean "isYes".
type wireTrade struct {
	ID        string      `json:"id"`
	MarketID  string      `json:"marketId"`
	Outcome   flexOutcome `json:"outcome"`
	IsYes     *bool       `json:"isYes"`
	Price     flexFloat   `json:"price"`
	Quantity  flexFloat   `json:"quantity"`
	Timestamp flexTime    `json:"timestamp"`
	BuyerID   string      `json:"buyerId"`
	SellerID  string      `json:"sellerId"`
}

// wireFill is the data payload of a my_order_filled frame.
type wireFill struct {
	OrderID   string      `json:"orderId"`
	MarketID  string      `json:"marketId"`
	Outcome   flexOutcome `json:"outcome"`
	Side      string      `json:"side"`
	Price     flexFloat   `json:"price"`
	Quantity  flexFloat   `json:"quantity"`
	Remaining flexFloat   `json:"remaining"`
}

// wireCancel is the data payload of a my_order_cancelled frame.
type wireCancel struct {
	OrderID string    `json:"orderId"`
	Reason  string    `json:"reason"`
	Refund  flexFloat `json:"refund"`
}

// wireBalance is the data payload of a balance_updated frame.
type wireBalance struct {
	Balance flexFloat `json:"balance"`
}

// SubscribeFrame is the outbound market subscription.
type SubscribeFrame struct {
	Type     string `json:"type"`
	MarketID string `json:"marketId"`
	UserID   string `json:"userId,omitempty"`
}

// SubscribeUserFrame associates the connection with a user identity.
type SubscribeUserFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// UnsubscribeFrame withdraws a market subscription.
type UnsubscribeFrame struct {
	Type     string `json:"type"`
	MarketID string `json:"marketId"`
}

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Decode parses one inbound frame into a typed event. Unknown frame types
// return an error wrapping domain.ErrUnknownEvent.
func Decode(raw []byte) (domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("protocol: parse envelope: %w", err)
	}

	switch domain.EventKind(env.Type) {
	case domain.KindOrderBookUpdate:
		if env.MarketID == "" {
			return nil, fmt.Errorf("protocol: %s: %w", env.Type, domain.ErrInvalidMarket)
		}
		var wb wireBook
		if err := unmarshalData(env.Data, &wb); err != nil {
			return nil, fmt.Errorf("protocol: parse %s: %w", env.Type, err)
		}
		return domain.OrderBookUpdate{
			MarketID: env.MarketID,
			Book:     wb.toDomain(env.MarketID),
		}, nil

	case domain.KindNewTrade:
		var wt wireTrade
		if err := unmarshalData(env.Data, &wt); err != nil {
			return nil, fmt.Errorf("protocol: parse %s: %w", env.Type, err)
		}
		marketID := env.MarketID
		if marketID == "" {
			marketID = wt.MarketID
		}
		if marketID == "" {
			return nil, fmt.Errorf("protocol: %s: %w", env.Type, domain.ErrInvalidMarket)
		}
		return domain.NewTrade{
			MarketID: marketID,
			Trade:    wt.toDomain(marketID),
		}, nil

	case domain.KindMyOrderFilled:
		var wf wireFill
		if err := unmarshalData(env.Data, &wf); err != nil {
			return nil, fmt.Errorf("protocol: parse %s: %w", env.Type, err)
		}
		return domain.MyOrderFilled{
			OrderID: wf.OrderID,
			Fill: domain.Fill{
				MarketID:  wf.MarketID,
				Outcome:   string(wf.Outcome),
				Side:      wf.Side,
				Price:     float64(wf.Price),
				Quantity:  float64(wf.Quantity),
				Remaining: float64(wf.Remaining),
			},
		}, nil

	case domain.KindMyOrderCancelled:
		var wc wireCancel
		if err := unmarshalData(env.Data, &wc); err != nil {
			return nil, fmt.Errorf("protocol: parse %s: %w", env.Type, err)
		}
		return domain.MyOrderCancelled{
			OrderID: wc.OrderID,
			Reason:  wc.Reason,
			Refund:  float64(wc.Refund),
		}, nil

	case domain.KindBalanceUpdated:
		var wb wireBalance
		if err := unmarshalData(env.Data, &wb); err != nil {
			return nil, fmt.Errorf("protocol: parse %s: %w", env.Type, err)
		}
		return domain.BalanceUpdated{Balance: float64(wb.Balance)}, nil

	case domain.KindMarketUpdate:
		return domain.MarketUpdate{
			MarketID: env.MarketID,
			Payload:  env.Data,
		}, nil

	default:
		return nil, fmt.Errorf("protocol: type %q: %w", env.Type, domain.ErrUnknownEvent)
	}
}

// unmarshalData decodes a frame's data payload. A missing payload decodes as
// an empty object.
func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (wb wireBook) toDomain(marketID string) domain.Orderbook {
	book := domain.Orderbook{
		MarketID:  marketID,
		Bids:      make([]domain.PriceLevel, 0, len(wb.Bids)),
		Asks:      make([]domain.PriceLevel, 0, len(wb.Asks)),
		Timestamp: time.Time(wb.Timestamp),
	}
	for _, l := range wb.Bids {
		book.Bids = append(book.Bids, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	for _, l := range wb.Asks {
		book.Asks = append(book.Asks, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return book
}

func (wt wireTrade) toDomain(marketID string) domain.Trade {
	outcome := string(wt.Outcome)
	if outcome == "" && wt.IsYes != nil {
		outcome = domain.OutcomeNo
		if *wt.IsYes {
			outcome = domain.OutcomeYes
		}
	}
	return domain.Trade{
		ID:        wt.ID,
		MarketID:  marketID,
		Outcome:   outcome,
		Price:     float64(wt.Price),
		Quantity:  float64(wt.Quantity),
		Timestamp: time.Time(wt.Timestamp),
		Buyer:     wt.BuyerID,
		Seller:    wt.SellerID,
	}
}

// EncodeSubscribe builds a market subscription frame. userID may be empty.
func EncodeSubscribe(marketID, userID string) ([]byte, error) {
	return json.Marshal(SubscribeFrame{Type: TypeSubscribe, MarketID: marketID, UserID: userID})
}

// EncodeSubscribeUser builds an identity association frame.
func EncodeSubscribeUser(userID string) ([]byte, error) {
	return json.Marshal(SubscribeUserFrame{Type: TypeSubscribeUser, UserID: userID})
}

// EncodeUnsubscribe builds a market unsubscription frame.
func EncodeUnsubscribe(marketID string) ([]byte, error) {
	return json.Marshal(UnsubscribeFrame{Type: TypeUnsubscribe, MarketID: marketID})
}

// Marshal renders a typed event back into the inbound frame shape. The relay
// uses it to republish routed events to other consumers.
func Marshal(ev domain.Event) ([]byte, error) {
	env := struct {
		Type     string `json:"type"`
		MarketID string `json:"marketId,omitempty"`
		Data     any    `json:"data,omitempty"`
	}{
		Type:     string(ev.Kind()),
		MarketID: ev.Market(),
	}

	switch e := ev.(type) {
	case domain.OrderBookUpdate:
		env.Data = e.Book
	case domain.NewTrade:
		env.Data = e.Trade
	case domain.MyOrderFilled:
		env.Data = struct {
			OrderID string `json:"orderId"`
			domain.Fill
		}{e.OrderID, e.Fill}
	case domain.MyOrderCancelled:
		env.Data = wireCancelOut{OrderID: e.OrderID, Reason: e.Reason, Refund: e.Refund}
	case domain.BalanceUpdated:
		env.Data = map[string]float64{"balance": e.Balance}
	case domain.MarketUpdate:
		if len(e.Payload) > 0 {
			env.Data = e.Payload
		}
	}

	return json.Marshal(env)
}

type wireCancelOut struct {
	OrderID string  `json:"orderId"`
	Reason  string  `json:"reason,omitempty"`
	Refund  float64 `json:"refund"`
}

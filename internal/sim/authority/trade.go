package authority

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"isocity/internal/protocol"
)

// Trade lifecycle statuses. Everything except pending is terminal.
const (
	TradeStatusPending   = "pending"
	TradeStatusCompleted = "completed"
	TradeStatusRejected  = "rejected"
	TradeStatusExpired   = "expired"
	TradeStatusCanceled  = "canceled"
)

// Trade is a two-party money exchange. Nothing is escrowed while pending:
// both treasuries are revalidated at the moment of acceptance and the
// transfer is applied atomically inside the loop or not at all.
type Trade struct {
	ID       string
	From     string
	FromName string
	To       string

	OfferMoney   float64
	RequestMoney float64
	Message      string

	Status     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ResolvedAt time.Time
}

func (t *Trade) Terminal() bool { return t.Status != TradeStatusPending }

func (a *Authority) handleOfferTrade(s *session, data []byte) {
	var msg protocol.OfferTradeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.errorTo(s.client, protocol.ErrProtoBadRequest, "malformed offer_trade")
		return
	}
	if s.worldID == "" || s.viewer {
		a.errorTo(s.client, protocol.ErrNoPermission, "load your own world before trading")
		return
	}
	w := a.reg.Get(s.worldID)
	if w == nil {
		a.errorTo(s.client, protocol.ErrWorldNotFound, "world not loaded")
		return
	}
	if !w.TradingEnabled {
		a.errorTo(s.client, protocol.ErrTradeDisabled, "trading is disabled for your city")
		return
	}
	if msg.To == "" || msg.To == s.client.UserID() {
		a.errorTo(s.client, protocol.ErrBadRequest, "invalid trade counterparty")
		return
	}
	if msg.Offer.Money < 0 || msg.Request.Money < 0 || (msg.Offer.Money == 0 && msg.Request.Money == 0) {
		a.errorTo(s.client, protocol.ErrBadRequest, "trade must move a positive amount")
		return
	}
	if msg.Offer.Money > w.Treasury {
		a.errorTo(s.client, protocol.ErrNoFunds, "offer exceeds treasury")
		return
	}
	peer, err := a.ownerWorld(msg.To)
	if err != nil {
		a.errorTo(s.client, protocol.ErrInternal, "counterparty lookup failed")
		return
	}
	if peer == nil {
		a.errorTo(s.client, protocol.ErrWorldNotFound, "counterparty has no city")
		return
	}
	if !peer.TradingEnabled {
		a.errorTo(s.client, protocol.ErrTradeDisabled, "counterparty has trading disabled")
		return
	}
	// The recipient must be able to cover the requested amount now; the
	// treasuries are checked again at acceptance.
	if peer.Treasury < msg.Request.Money {
		a.errorTo(s.client, protocol.ErrTradeInsolvent, "counterparty cannot cover the request")
		return
	}

	now := a.now()
	tr := &Trade{
		ID:           uuid.NewString(),
		From:         s.client.UserID(),
		FromName:     s.client.Username(),
		To:           msg.To,
		OfferMoney:   msg.Offer.Money,
		RequestMoney: msg.Request.Money,
		Message:      msg.Message,
		Status:       TradeStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(a.cfg.TradeExpiry()),
	}
	a.trades[tr.ID] = tr
	a.store.SaveTrade(tr)
	a.log.Printf("trade offered id=%s from=%s to=%s offer=%.0f request=%.0f",
		tr.ID, tr.From, tr.To, tr.OfferMoney, tr.RequestMoney)

	s.client.Send(protocol.TradeResultMsg{
		Type:            protocol.TypeTradeResult,
		ProtocolVersion: protocol.Version,
		TradeID:         tr.ID,
		Ref:             msg.Ref,
		Status:          TradeStatusPending,
		With:            tr.To,
	})
	if peer, ok := a.byUser[tr.To]; ok {
		peer.client.Send(protocol.TradeOfferedMsg{
			Type:            protocol.TypeTradeOffered,
			ProtocolVersion: protocol.Version,
			TradeID:         tr.ID,
			From:            tr.From,
			FromName:        tr.FromName,
			Offer:           protocol.MoneyBundle{Money: tr.OfferMoney},
			Request:         protocol.MoneyBundle{Money: tr.RequestMoney},
			Message:         tr.Message,
			CreatedAt:       tr.CreatedAt.UnixMilli(),
			ExpiresAt:       tr.ExpiresAt.UnixMilli(),
		})
	}
}

func (a *Authority) handleRespondTrade(s *session, data []byte) {
	var msg protocol.RespondTradeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.errorTo(s.client, protocol.ErrProtoBadRequest, "malformed respond_trade")
		return
	}
	tr, ok := a.trades[msg.TradeID]
	if !ok {
		a.tradeResultTo(s.client, msg.TradeID, "", protocol.ErrTradeNotFound, "no such trade", "")
		return
	}
	if s.client.UserID() != tr.To {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrNoPermission, "only the recipient may respond", tr.From)
		return
	}
	if tr.Terminal() {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrTradeTerminal, "trade already settled", tr.From)
		return
	}
	now := a.now()
	if a.expireIfDue(tr, now) {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrTradeExpired, "trade expired", tr.From)
		return
	}

	if !msg.Accept {
		a.settle(tr, TradeStatusRejected, now, "", msg.Reason)
		return
	}

	fromW, err := a.ownerWorld(tr.From)
	if err != nil || fromW == nil {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrInternal, "offering city unavailable", tr.From)
		return
	}
	toW, err := a.ownerWorld(tr.To)
	if err != nil || toW == nil {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrInternal, "accepting city unavailable", tr.From)
		return
	}

	// Validate-at-accept: both treasuries are checked against the live
	// canonical values, then both moves land together. A failure leaves the
	// offer pending and both treasuries untouched.
	if fromW.Treasury < tr.OfferMoney || toW.Treasury < tr.RequestMoney {
		a.notifyTrade(tr, protocol.ErrTradeInsolvent, "a party can no longer cover the trade")
		return
	}

	fromW.Treasury += tr.RequestMoney - tr.OfferMoney
	toW.Treasury += tr.OfferMoney - tr.RequestMoney
	fromW.TradesCompleted++
	toW.TradesCompleted++
	fromW.Refresh(a.cat, a.economyParams())
	toW.Refresh(a.cat, a.economyParams())
	a.markDirty(fromW.ID)
	a.markDirty(toW.ID)

	a.settle(tr, TradeStatusCompleted, now, "", "")
	a.log.Printf("trade completed id=%s from=%s to=%s", tr.ID, tr.From, tr.To)
}

func (a *Authority) handleCancelTrade(s *session, data []byte) {
	var msg protocol.CancelTradeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		a.errorTo(s.client, protocol.ErrProtoBadRequest, "malformed cancel_trade")
		return
	}
	tr, ok := a.trades[msg.TradeID]
	if !ok {
		a.tradeResultTo(s.client, msg.TradeID, "", protocol.ErrTradeNotFound, "no such trade", "")
		return
	}
	if s.client.UserID() != tr.From {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrNoPermission, "only the offerer may cancel", tr.To)
		return
	}
	if tr.Terminal() {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrTradeTerminal, "trade already settled", tr.To)
		return
	}
	now := a.now()
	if a.expireIfDue(tr, now) {
		a.tradeResultTo(s.client, tr.ID, tr.Status, protocol.ErrTradeExpired, "trade expired", tr.To)
		return
	}
	a.settle(tr, TradeStatusCanceled, now, "", "")
}

// settle moves a trade to a terminal status, persists it and notifies both
// parties.
func (a *Authority) settle(tr *Trade, status string, now time.Time, code, message string) {
	tr.Status = status
	tr.ResolvedAt = now
	a.store.SaveTrade(tr)
	a.notifyTrade(tr, code, message)

	// A world kept live only for this trade can go back to the store now.
	for _, uid := range []string{tr.From, tr.To} {
		if w := a.reg.FindByOwner(uid); w != nil && len(a.byWorld[w.ID]) == 0 {
			a.deactivate(w.ID)
		}
	}
}

// expireIfDue lazily expires a pending trade that outlived its deadline.
func (a *Authority) expireIfDue(tr *Trade, now time.Time) bool {
	if tr.Terminal() || now.Before(tr.ExpiresAt) {
		return false
	}
	a.settle(tr, TradeStatusExpired, now, "", "")
	return true
}

// sweepTrades expires overdue pending trades on the tick, so deadlines fire
// even when nobody touches the offer.
func (a *Authority) sweepTrades(now time.Time) {
	for _, tr := range a.trades {
		a.expireIfDue(tr, now)
	}
}

func (a *Authority) notifyTrade(tr *Trade, code, message string) {
	if s, ok := a.byUser[tr.From]; ok {
		a.tradeResultTo(s.client, tr.ID, tr.Status, code, message, tr.To)
	}
	if s, ok := a.byUser[tr.To]; ok {
		a.tradeResultTo(s.client, tr.ID, tr.Status, code, message, tr.From)
	}
}

func (a *Authority) tradeResultTo(c Client, tradeID, status, code, message, with string) {
	c.Send(protocol.TradeResultMsg{
		Type:            protocol.TypeTradeResult,
		ProtocolVersion: protocol.Version,
		TradeID:         tradeID,
		Status:          status,
		Code:            code,
		Message:         message,
		With:            with,
	})
}

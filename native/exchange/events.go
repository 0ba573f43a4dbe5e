package exchange

import (
	"encoding/hex"
	"strconv"

	"ccxchain/core/types"
)

const (
	EventTypeOfferCreated          = "exchange.offer.created"
	EventTypeVaultFunded           = "exchange.vault.funded"
	EventTypeVerificationRequested = "exchange.offer.verification_requested"
	EventTypeOfferVerified         = "exchange.offer.verified"
	EventTypeOfferAborted          = "exchange.offer.aborted"
	EventTypeOfferSettled          = "exchange.offer.settled"
	EventTypeOfferExpired          = "exchange.offer.expired"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// offer.
func NewCreatedEvent(o *Offer) *types.Event { return newOfferEvent(EventTypeOfferCreated, o) }

// NewFundedEvent returns the event payload emitted when a vault receives a
// deposit.
func NewFundedEvent(o *Offer, role VaultRole, vault [20]byte, amount uint64) *types.Event {
	evt := newOfferEvent(EventTypeVaultFunded, o)
	evt.Attributes["role"] = role.String()
	evt.Attributes["vault"] = hex.EncodeToString(vault[:])
	evt.Attributes["amount"] = strconv.FormatUint(amount, 10)
	return evt
}

// NewVerificationRequestedEvent returns the event payload emitted once the
// computation gateway accepted the verification submission.
func NewVerificationRequestedEvent(o *Offer, requestID uint64) *types.Event {
	evt := newOfferEvent(EventTypeVerificationRequested, o)
	evt.Attributes["requestId"] = strconv.FormatUint(requestID, 10)
	return evt
}

// NewVerifiedEvent returns the acknowledgment payload emitted when the
// confidential identity check succeeded. The verification output itself never
// reaches the ledger; the event carries only an opaque acknowledged flag.
func NewVerifiedEvent(o *Offer) *types.Event {
	evt := newOfferEvent(EventTypeOfferVerified, o)
	evt.Attributes["acknowledged"] = "1"
	return evt
}

// NewAbortedEvent returns the event payload emitted when the computation
// network reported an abort.
func NewAbortedEvent(o *Offer) *types.Event { return newOfferEvent(EventTypeOfferAborted, o) }

// NewSettledEvent returns the event payload emitted after both settlement legs
// applied atomically.
func NewSettledEvent(o *Offer) *types.Event { return newOfferEvent(EventTypeOfferSettled, o) }

// NewExpiredEvent returns the event payload emitted once an offer expired and
// vault balances were returned to their depositors.
func NewExpiredEvent(o *Offer) *types.Event { return newOfferEvent(EventTypeOfferExpired, o) }

func newOfferEvent(eventType string, o *Offer) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	key := o.Key()
	attrs["key"] = hex.EncodeToString(key[:])
	attrs["id"] = strconv.FormatUint(o.ID, 10)
	attrs["creator"] = hex.EncodeToString(o.Creator[:])
	attrs["domain"] = o.Domain.String()
	attrs["amountOffered"] = strconv.FormatUint(o.AmountOffered, 10)
	attrs["amountWanted"] = strconv.FormatUint(o.AmountWanted, 10)
	attrs["isTakerNative"] = strconv.FormatBool(o.IsTakerNative)
	attrs["deadline"] = strconv.FormatInt(o.Deadline, 10)
	attrs["status"] = o.Status.String()
	if o.Domain == OfferDomainCross {
		attrs["domainId"] = strconv.FormatUint(o.DomainID, 10)
	}
	if o.HasTaker() {
		attrs["taker"] = hex.EncodeToString(o.Taker[:])
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

package exchange

import (
	"fmt"

	"ccxchain/crypto"
)

// OfferDomain discriminates the two offer variants: both parties on this
// execution domain, or the counterparty on a foreign one.
type OfferDomain uint8

const (
	OfferDomainIntra OfferDomain = iota
	OfferDomainCross
)

// Valid reports whether the domain value is within the supported range.
func (d OfferDomain) Valid() bool {
	return d == OfferDomainIntra || d == OfferDomainCross
}

func (d OfferDomain) String() string {
	switch d {
	case OfferDomainIntra:
		return "intra"
	case OfferDomainCross:
		return "cross"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

func (d OfferDomain) seedTag() []byte {
	if d == OfferDomainCross {
		return []byte("offer/cross")
	}
	return []byte("offer/intra")
}

// OfferStatus tracks the lifecycle of an offer through the confidential
// verification handshake and settlement.
type OfferStatus uint8

const (
	OfferCreated OfferStatus = iota
	OfferVerificationPending
	OfferVerified
	OfferAborted
	OfferSettled
	OfferExpired
)

// Valid reports whether the status value is within the supported range.
func (s OfferStatus) Valid() bool {
	return s <= OfferExpired
}

func (s OfferStatus) String() string {
	switch s {
	case OfferCreated:
		return "created"
	case OfferVerificationPending:
		return "verification_pending"
	case OfferVerified:
		return "verified"
	case OfferAborted:
		return "aborted"
	case OfferSettled:
		return "settled"
	case OfferExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// VaultRole identifies which side of the exchange a vault custodies.
type VaultRole uint8

const (
	RoleSeller VaultRole = iota
	RoleBuyer
)

// Valid reports whether the role value is within the supported range.
func (r VaultRole) Valid() bool {
	return r == RoleSeller || r == RoleBuyer
}

func (r VaultRole) String() string {
	if r == RoleBuyer {
		return "buyer"
	}
	return "seller"
}

func (r VaultRole) seedTag() []byte {
	if r == RoleBuyer {
		return []byte("buyer_vault")
	}
	return []byte("seller_vault")
}

// Offer is one proposed asset exchange. The ledger holds only public deal
// terms; the counterparty identity check happens off-ledger through the
// computation gateway. The seller leg is always native; the taker leg is
// native or tokenized depending on IsTakerNative.
type Offer struct {
	ID            uint64
	Creator       [20]byte
	Taker         [20]byte
	Domain        OfferDomain
	AmountOffered uint64
	AmountWanted  uint64
	IsTakerNative bool
	DomainID      uint64
	Deadline      int64
	CreatedAt     int64
	Status        OfferStatus
}

// OfferKey derives the ledger key for an offer. The key is deterministic over
// (variant, creator, id), so an entry's address proves it was derived rather
// than forged.
func OfferKey(domain OfferDomain, creator [20]byte, id uint64) [32]byte {
	return crypto.DeriveKey(domain.seedTag(), creator[:], crypto.Uint64Seed(id))
}

// VaultAddress derives the escrow vault address for one side of an offer.
// Vaults carry no metadata; the (role, owner, id) tuple is the whole address.
func VaultAddress(role VaultRole, owner [20]byte, id uint64) [20]byte {
	return crypto.Derive(role.seedTag(), owner[:], crypto.Uint64Seed(id))
}

// Key returns the ledger key of this offer.
func (o *Offer) Key() [32]byte {
	return OfferKey(o.Domain, o.Creator, o.ID)
}

// HasTaker reports whether a counterparty has bound itself to the offer.
func (o *Offer) HasTaker() bool {
	return o.Taker != ([20]byte{})
}

// Clone returns a copy of the offer so callers can safely mutate it without
// affecting the stored instance.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// SanitizeOffer validates the supplied offer definition and returns a cloned
// instance. The function does not mutate the original value.
func SanitizeOffer(o *Offer) (*Offer, error) {
	if o == nil {
		return nil, fmt.Errorf("nil offer")
	}
	clone := o.Clone()
	if !clone.Domain.Valid() {
		return nil, fmt.Errorf("invalid offer domain: %d", clone.Domain)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid offer status: %d", clone.Status)
	}
	if clone.AmountOffered == 0 || clone.AmountWanted == 0 {
		return nil, fmt.Errorf("offer amounts must be positive")
	}
	if clone.Deadline <= 0 {
		return nil, fmt.Errorf("offer deadline is required")
	}
	if clone.Domain == OfferDomainCross && clone.DomainID == 0 {
		return nil, fmt.Errorf("cross-domain offer requires a domain id")
	}
	if clone.Domain == OfferDomainIntra && clone.DomainID != 0 {
		return nil, fmt.Errorf("intra-domain offer must not carry a domain id")
	}
	return clone, nil
}

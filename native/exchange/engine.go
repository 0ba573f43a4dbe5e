package exchange

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"ccxchain/core/events"
	"ccxchain/core/types"
	"ccxchain/mpc"
	"ccxchain/observability"
)

// engineState is the ledger surface the engine mutates. Every operation is
// executed under the state's serialisation guarantees: transitions on the same
// offer never observe each other half-applied.
type engineState interface {
	OfferPut(*Offer) error
	OfferGet(key [32]byte) (*Offer, bool)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error

	// Pending correlation table: write-once per request id, consumed by the
	// first matching callback.
	PendingPut(requestID uint64, offerKey [32]byte) error
	PendingConsume(requestID uint64) ([32]byte, bool, error)
	PendingDelete(requestID uint64) error
}

type offerEvent struct {
	evt *types.Event
}

func (e offerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e offerEvent) Event() *types.Event { return e.evt }

// Engine orchestrates the offer lifecycle: Create, Verify through the
// computation gateway, then Settle or Expire. It owns all vault mutations;
// nothing else may debit or credit a vault.
type Engine struct {
	// mu serialises transitions: no operation observes another one
	// half-applied, including gateway callbacks racing a submission.
	mu      sync.Mutex
	state   engineState
	gateway mpc.Gateway
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an exchange engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetGateway configures the confidential computation gateway.
func (e *Engine) SetGateway(gateway mpc.Gateway) { e.gateway = gateway }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// VerificationCallback adapts the engine to the gateway callback contract.
func (e *Engine) VerificationCallback() mpc.Callback {
	return func(requestID uint64, res mpc.Result) error {
		return e.OnVerificationResult(requestID, res)
	}
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(offerEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadOffer(key [32]byte) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	offer, ok := e.state.OfferGet(key)
	if !ok {
		return nil, ErrOfferNotFound
	}
	return offer, nil
}

// staging collects account mutations so that a transition either commits all
// of them or none. Accounts are cloned on first load; commit writes them back
// in load order.
type staging struct {
	state    engineState
	accounts map[[20]byte]*types.Account
	order    [][20]byte
}

func (e *Engine) newStaging() *staging {
	return &staging{state: e.state, accounts: make(map[[20]byte]*types.Account)}
}

func (s *staging) account(addr [20]byte) (*types.Account, error) {
	if acct, ok := s.accounts[addr]; ok {
		return acct, nil
	}
	acct, err := s.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	acct = acct.Clone().EnsureBalances()
	s.accounts[addr] = acct
	s.order = append(s.order, addr)
	return acct, nil
}

func (s *staging) commit() error {
	for _, addr := range s.order {
		if err := s.state.PutAccount(addr[:], s.accounts[addr]); err != nil {
			return fmt.Errorf("%w: account write failed: %v", ErrConsistency, err)
		}
	}
	return nil
}

func balanceOf(acct *types.Account, native bool) *big.Int {
	if native {
		return acct.BalanceCCX
	}
	return acct.BalanceTCX
}

func setBalance(acct *types.Account, native bool, v *big.Int) {
	if native {
		acct.BalanceCCX = v
		return
	}
	acct.BalanceTCX = v
}

// move debits amount from one staged account and credits another in the same
// asset. The debit fails when the source holds less than amount.
func move(from, to *types.Account, native bool, amount uint64) error {
	amt := new(big.Int).SetUint64(amount)
	src := balanceOf(from, native)
	if src.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient funds")
	}
	setBalance(from, native, new(big.Int).Sub(src, amt))
	setBalance(to, native, new(big.Int).Add(balanceOf(to, native), amt))
	return nil
}

// CreateOffer writes a new ledger entry and atomically locks the offered
// amount in the creator's seller vault, so an entry never exists without its
// backing funds.
func (e *Engine) CreateOffer(creator [20]byte, id uint64, domain OfferDomain, amountOffered, amountWanted uint64, isTakerNative bool, domainID uint64, deadline int64) (*Offer, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	offer := &Offer{
		ID:            id,
		Creator:       creator,
		Domain:        domain,
		AmountOffered: amountOffered,
		AmountWanted:  amountWanted,
		IsTakerNative: isTakerNative,
		DomainID:      domainID,
		Deadline:      deadline,
		CreatedAt:     e.now(),
		Status:        OfferCreated,
	}
	sanitized, err := SanitizeOffer(offer)
	if err != nil {
		observability.Exchange().ObserveRejection("precondition")
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	if sanitized.Deadline <= e.now() {
		observability.Exchange().ObserveRejection("precondition")
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrPrecondition)
	}
	key := sanitized.Key()
	if _, ok := e.state.OfferGet(key); ok {
		observability.Exchange().ObserveRejection("precondition")
		return nil, fmt.Errorf("%w: offer id %d already used by creator", ErrPrecondition, id)
	}

	vault := VaultAddress(RoleSeller, creator, id)
	stage := e.newStaging()
	creatorAcct, err := stage.account(creator)
	if err != nil {
		return nil, err
	}
	vaultAcct, err := stage.account(vault)
	if err != nil {
		return nil, err
	}
	if err := move(creatorAcct, vaultAcct, true, amountOffered); err != nil {
		observability.Exchange().ObserveRejection("precondition")
		return nil, fmt.Errorf("%w: cannot lock offered amount: %v", ErrPrecondition, err)
	}
	if err := stage.commit(); err != nil {
		return nil, err
	}
	if err := e.state.OfferPut(sanitized); err != nil {
		return nil, err
	}
	observability.Exchange().ObserveTransition(OfferCreated.String())
	e.emit(NewCreatedEvent(sanitized))
	e.emit(NewFundedEvent(sanitized, RoleSeller, vault, amountOffered))
	return sanitized.Clone(), nil
}

// GetOffer returns a copy of the ledger entry for (domain, creator, id).
func (e *Engine) GetOffer(domain OfferDomain, creator [20]byte, id uint64) (*Offer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadOffer(OfferKey(domain, creator, id))
}

// FundVault moves amount from the party's balance into the vault addressed by
// (role, party, offer id). Vault creation is implicit in the derived address;
// funding is additive, not idempotent. The first buyer-side deposit binds the
// party as the offer's counterparty. Deposits are capped at the amount the
// offer commits for the role, so settlement always releases the whole vault
// balance and leaves the vault at zero.
func (e *Engine) FundVault(domain OfferDomain, creator [20]byte, id uint64, role VaultRole, party [20]byte, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	offer, err := e.loadOffer(OfferKey(domain, creator, id))
	if err != nil {
		return err
	}
	if amount == 0 {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: funding amount must be positive", ErrPrecondition)
	}
	if !role.Valid() {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: invalid vault role %d", ErrPrecondition, role)
	}
	switch offer.Status {
	case OfferSettled, OfferExpired, OfferAborted:
		observability.Exchange().ObserveRejection("state_conflict")
		return fmt.Errorf("%w: cannot fund in status %s", ErrStateConflict, offer.Status)
	}

	native := true
	owner := party
	switch role {
	case RoleSeller:
		if party != offer.Creator {
			observability.Exchange().ObserveRejection("precondition")
			return fmt.Errorf("%w: only the creator may fund the seller vault", ErrPrecondition)
		}
	case RoleBuyer:
		if offer.HasTaker() && offer.Taker != party {
			observability.Exchange().ObserveRejection("precondition")
			return fmt.Errorf("%w: offer already bound to another counterparty", ErrPrecondition)
		}
		native = offer.IsTakerNative
	}

	vault := VaultAddress(role, owner, offer.ID)
	stage := e.newStaging()
	partyAcct, err := stage.account(party)
	if err != nil {
		return err
	}
	vaultAcct, err := stage.account(vault)
	if err != nil {
		return err
	}
	committed := offer.AmountOffered
	if role == RoleBuyer {
		committed = offer.AmountWanted
	}
	funded := new(big.Int).Add(balanceOf(vaultAcct, native), new(big.Int).SetUint64(amount))
	if funded.Cmp(new(big.Int).SetUint64(committed)) > 0 {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: deposit would exceed the committed amount %d", ErrPrecondition, committed)
	}
	if err := move(partyAcct, vaultAcct, native, amount); err != nil {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	if err := stage.commit(); err != nil {
		return err
	}
	if role == RoleBuyer && !offer.HasTaker() {
		offer.Taker = party
		if err := e.state.OfferPut(offer); err != nil {
			return err
		}
	}
	e.emit(NewFundedEvent(offer, role, vault, amount))
	return nil
}

// RequestVerification submits the encrypted identity hash of the offer to the
// computation gateway. The correlation is recorded before submission so an
// immediate callback cannot outrun it, and removed again when the gateway
// rejects. A rejected submit leaves the offer unchanged; callers retry with a
// fresh request id.
func (e *Engine) RequestVerification(ctx context.Context, domain OfferDomain, creator [20]byte, id uint64, requestID uint64, identityCiphertext [32]byte, recipientKey [32]byte, nonce [16]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.gateway == nil {
		return errNilGateway
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := OfferKey(domain, creator, id)
	offer, err := e.loadOffer(key)
	if err != nil {
		return err
	}
	if offer.Status == OfferAborted {
		observability.Exchange().ObserveRejection("aborted")
		return fmt.Errorf("%w: no verification retry on this offer", ErrComputationAborted)
	}
	if offer.Status != OfferCreated {
		observability.Exchange().ObserveRejection("state_conflict")
		return fmt.Errorf("%w: cannot request verification in status %s", ErrStateConflict, offer.Status)
	}
	if err := e.state.PendingPut(requestID, key); err != nil {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	req := mpc.SubmitRequest{
		RequestID: requestID,
		Args: []mpc.Argument{
			mpc.RecipientKey(recipientKey),
			mpc.PlaintextU128(nonce),
			mpc.EncryptedU64(identityCiphertext),
		},
	}
	if err := e.gateway.Submit(ctx, req); err != nil {
		if delErr := e.state.PendingDelete(requestID); delErr != nil {
			return fmt.Errorf("%w: orphaned correlation %d: %v", ErrConsistency, requestID, delErr)
		}
		return err
	}
	offer.Status = OfferVerificationPending
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	observability.Exchange().ObserveTransition(OfferVerificationPending.String())
	e.emit(NewVerificationRequestedEvent(offer, requestID))
	return nil
}

// OnVerificationResult consumes the one-shot correlation for requestID and
// records the outcome. Unknown or already-consumed request ids are rejected
// without touching the ledger. A result arriving after the offer expired is
// still acknowledged for bookkeeping but cannot revive the offer.
func (e *Engine) OnVerificationResult(requestID uint64, res mpc.Result) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok, err := e.state.PendingConsume(requestID)
	if err != nil {
		return err
	}
	if !ok {
		observability.Exchange().ObserveRejection("unknown_request")
		return fmt.Errorf("%w: %d", mpc.ErrUnknownRequest, requestID)
	}
	offer, err := e.loadOffer(key)
	if err != nil {
		return fmt.Errorf("%w: correlation without offer: %v", ErrConsistency, err)
	}
	switch offer.Status {
	case OfferVerificationPending:
	case OfferExpired:
		// Late callback: the deadline already unwound the offer. Record the
		// outcome for downstream consumers; the status stays terminal.
		if res.Aborted {
			e.emit(NewAbortedEvent(offer))
		} else {
			e.emit(NewVerifiedEvent(offer))
		}
		return nil
	default:
		observability.Exchange().ObserveRejection("state_conflict")
		return fmt.Errorf("%w: unexpected callback in status %s", ErrStateConflict, offer.Status)
	}
	if res.Aborted {
		offer.Status = OfferAborted
		if err := e.state.OfferPut(offer); err != nil {
			return err
		}
		observability.Exchange().ObserveTransition(OfferAborted.String())
		e.emit(NewAbortedEvent(offer))
		// The delivery itself succeeded; the recorded status and the event
		// carry the outcome. Only refund remains for this offer.
		return nil
	}
	offer.Status = OfferVerified
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	observability.Exchange().ObserveTransition(OfferVerified.String())
	e.emit(NewVerifiedEvent(offer))
	return nil
}

// Settle performs the atomic bilateral transfer: seller vault to taker for the
// offered amount and taker vault to creator for the wanted amount. Both legs
// apply or neither does. Only the bound counterparty may settle, only from
// Verified, only before the deadline, only once.
func (e *Engine) Settle(domain OfferDomain, creator [20]byte, id uint64, caller [20]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	offer, err := e.loadOffer(OfferKey(domain, creator, id))
	if err != nil {
		return err
	}
	if offer.Status != OfferVerified {
		observability.Exchange().ObserveRejection("state_conflict")
		return fmt.Errorf("%w: cannot settle in status %s", ErrStateConflict, offer.Status)
	}
	if e.now() > offer.Deadline {
		observability.Exchange().ObserveRejection("deadline")
		return fmt.Errorf("%w: offer deadline passed, expire and refund instead", ErrDeadlineExceeded)
	}
	if !offer.HasTaker() {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: no counterparty bound, buyer vault unfunded", ErrPrecondition)
	}
	if caller != offer.Taker {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: only the bound counterparty may settle", ErrPrecondition)
	}

	started := time.Now()
	sellerVault := VaultAddress(RoleSeller, offer.Creator, offer.ID)
	buyerVault := VaultAddress(RoleBuyer, offer.Taker, offer.ID)
	stage := e.newStaging()
	sellerVaultAcct, err := stage.account(sellerVault)
	if err != nil {
		return err
	}
	buyerVaultAcct, err := stage.account(buyerVault)
	if err != nil {
		return err
	}
	creatorAcct, err := stage.account(offer.Creator)
	if err != nil {
		return err
	}
	takerAcct, err := stage.account(offer.Taker)
	if err != nil {
		return err
	}

	// The buyer vault being short is a refused precondition; the seller vault
	// being short means the funding invariant broke somewhere.
	wanted := new(big.Int).SetUint64(offer.AmountWanted)
	if balanceOf(buyerVaultAcct, offer.IsTakerNative).Cmp(wanted) < 0 {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: buyer vault underfunded", ErrPrecondition)
	}
	if err := move(sellerVaultAcct, takerAcct, true, offer.AmountOffered); err != nil {
		return fmt.Errorf("%w: seller vault balance below committed amount", ErrConsistency)
	}
	if err := move(buyerVaultAcct, creatorAcct, offer.IsTakerNative, offer.AmountWanted); err != nil {
		return fmt.Errorf("%w: buyer vault balance below committed amount", ErrConsistency)
	}
	if err := stage.commit(); err != nil {
		return err
	}
	offer.Status = OfferSettled
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	observability.Exchange().ObserveTransition(OfferSettled.String())
	observability.Exchange().ObserveSettleDuration(time.Since(started).Seconds())
	e.emit(NewSettledEvent(offer))
	return nil
}

// ExpireAndRefund unwinds an offer whose deadline passed without settlement,
// returning each vault's balance to its depositor. Anyone may invoke it; it
// succeeds exactly once per offer.
func (e *Engine) ExpireAndRefund(domain OfferDomain, creator [20]byte, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	offer, err := e.loadOffer(OfferKey(domain, creator, id))
	if err != nil {
		return err
	}
	switch offer.Status {
	case OfferSettled:
		observability.Exchange().ObserveRejection("state_conflict")
		return fmt.Errorf("%w: offer already settled", ErrStateConflict)
	case OfferExpired:
		observability.Exchange().ObserveRejection("state_conflict")
		return fmt.Errorf("%w: offer already expired", ErrStateConflict)
	}
	if e.now() <= offer.Deadline {
		observability.Exchange().ObserveRejection("precondition")
		return fmt.Errorf("%w: deadline not reached", ErrPrecondition)
	}

	stage := e.newStaging()
	sellerVault := VaultAddress(RoleSeller, offer.Creator, offer.ID)
	if err := refundVault(stage, sellerVault, offer.Creator, true); err != nil {
		return err
	}
	if offer.HasTaker() {
		buyerVault := VaultAddress(RoleBuyer, offer.Taker, offer.ID)
		if err := refundVault(stage, buyerVault, offer.Taker, offer.IsTakerNative); err != nil {
			return err
		}
	}
	if err := stage.commit(); err != nil {
		return err
	}
	offer.Status = OfferExpired
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	observability.Exchange().ObserveTransition(OfferExpired.String())
	e.emit(NewExpiredEvent(offer))
	return nil
}

// refundVault returns the vault's entire balance in the given asset to its
// depositor, leaving the vault at zero.
func refundVault(stage *staging, vault, depositor [20]byte, native bool) error {
	vaultAcct, err := stage.account(vault)
	if err != nil {
		return err
	}
	balance := balanceOf(vaultAcct, native)
	if balance.Sign() == 0 {
		return nil
	}
	depositorAcct, err := stage.account(depositor)
	if err != nil {
		return err
	}
	setBalance(depositorAcct, native, new(big.Int).Add(balanceOf(depositorAcct, native), balance))
	setBalance(vaultAcct, native, big.NewInt(0))
	return nil
}

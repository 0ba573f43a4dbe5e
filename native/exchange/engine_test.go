package exchange

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"ccxchain/core/events"
	"ccxchain/core/types"
	"ccxchain/mpc"
)

type mockState struct {
	offers   map[[32]byte]*Offer
	accounts map[[20]byte]*types.Account
	pending  map[uint64][32]byte
}

func newMockState() *mockState {
	return &mockState{
		offers:   make(map[[32]byte]*Offer),
		accounts: make(map[[20]byte]*types.Account),
		pending:  make(map[uint64][32]byte),
	}
}

func (m *mockState) OfferPut(o *Offer) error {
	sanitized, err := SanitizeOffer(o)
	if err != nil {
		return err
	}
	m.offers[sanitized.Key()] = sanitized.Clone()
	return nil
}

func (m *mockState) OfferGet(key [32]byte) (*Offer, bool) {
	offer, ok := m.offers[key]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acct, ok := m.accounts[key]
	if !ok {
		return nil, nil
	}
	return acct.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, acct *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = acct.Clone()
	return nil
}

func (m *mockState) PendingPut(requestID uint64, offerKey [32]byte) error {
	if _, ok := m.pending[requestID]; ok {
		return errors.New("request id already correlated")
	}
	m.pending[requestID] = offerKey
	return nil
}

func (m *mockState) PendingConsume(requestID uint64) ([32]byte, bool, error) {
	key, ok := m.pending[requestID]
	if !ok {
		return [32]byte{}, false, nil
	}
	delete(m.pending, requestID)
	return key, true, nil
}

func (m *mockState) PendingDelete(requestID uint64) error {
	delete(m.pending, requestID)
	return nil
}

func (m *mockState) balance(addr [20]byte, native bool) *big.Int {
	acct, ok := m.accounts[addr]
	if !ok {
		return big.NewInt(0)
	}
	acct = acct.Clone().EnsureBalances()
	if native {
		return acct.BalanceCCX
	}
	return acct.BalanceTCX
}

func (m *mockState) seed(addr [20]byte, native, tokenized int64) {
	m.accounts[addr] = &types.Account{
		BalanceCCX: big.NewInt(native),
		BalanceTCX: big.NewInt(tokenized),
	}
}

type stubGateway struct {
	submitted []mpc.SubmitRequest
	err       error
}

func (g *stubGateway) Submit(_ context.Context, req mpc.SubmitRequest) error {
	if g.err != nil {
		return g.err
	}
	g.submitted = append(g.submitted, req)
	return nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *capturingEmitter) typesSeen() []string {
	out := make([]string, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType())
	}
	return out
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

const testNow int64 = 1_700_000_000

func newTestEngine(state *mockState, gateway mpc.Gateway) *Engine {
	eng := NewEngine()
	eng.SetState(state)
	eng.SetGateway(gateway)
	eng.SetNowFunc(func() int64 { return testNow })
	return eng
}

func mustCreate(t *testing.T, eng *Engine, creator [20]byte) *Offer {
	t.Helper()
	offer, err := eng.CreateOffer(creator, 7, OfferDomainIntra, 100, 50, true, 0, testNow+3600)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return offer
}

func requestAndVerify(t *testing.T, eng *Engine, creator [20]byte, requestID uint64) {
	t.Helper()
	if err := eng.RequestVerification(context.Background(), OfferDomainIntra, creator, 7, requestID, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33}); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	if err := eng.OnVerificationResult(requestID, mpc.Result{}); err != nil {
		t.Fatalf("verification callback: %v", err)
	}
}

func TestCreateOfferLocksOfferedAmount(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	eng := newTestEngine(state, &stubGateway{})

	offer := mustCreate(t, eng, seller)
	if offer.Status != OfferCreated {
		t.Fatalf("status = %s, want created", offer.Status)
	}
	if offer.AmountOffered != 100 || offer.AmountWanted != 50 || offer.Deadline != testNow+3600 {
		t.Fatalf("offer terms do not match input: %+v", offer)
	}
	vault := VaultAddress(RoleSeller, seller, 7)
	if got := state.balance(vault, true); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller vault balance = %s, want 100", got)
	}
	if got := state.balance(seller, true); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("seller balance = %s, want 50", got)
	}
}

func TestCreateOfferRejections(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)

	if _, err := eng.CreateOffer(seller, 7, OfferDomainIntra, 10, 10, true, 0, testNow+3600); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("duplicate id error = %v, want precondition", err)
	}
	if _, err := eng.CreateOffer(seller, 8, OfferDomainIntra, 10, 10, true, 0, testNow-1); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("past deadline error = %v, want precondition", err)
	}
	if _, err := eng.CreateOffer(seller, 9, OfferDomainIntra, 10_000, 10, true, 0, testNow+3600); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("underfunded creator error = %v, want precondition", err)
	}
	if _, ok := state.OfferGet(OfferKey(OfferDomainIntra, seller, 9)); ok {
		t.Fatal("rejected create must not leave a ledger entry")
	}
	if _, err := eng.CreateOffer(seller, 10, OfferDomainCross, 10, 10, true, 0, testNow+3600); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("cross-domain offer without domain id error = %v, want precondition", err)
	}
}

func TestCrossDomainOfferCarriesDomainID(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	eng := newTestEngine(state, &stubGateway{})

	offer, err := eng.CreateOffer(seller, 3, OfferDomainCross, 40, 20, false, 5, testNow+600)
	if err != nil {
		t.Fatalf("create cross-domain offer: %v", err)
	}
	if offer.Domain != OfferDomainCross || offer.DomainID != 5 {
		t.Fatalf("offer = %+v, want cross domain id 5", offer)
	}
	// Same numeric id in the other variant namespace must not collide.
	if _, err := eng.CreateOffer(seller, 3, OfferDomainIntra, 40, 20, true, 0, testNow+600); err != nil {
		t.Fatalf("intra offer with same id: %v", err)
	}
}

func TestRequestVerificationTransitions(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	gateway := &stubGateway{}
	eng := newTestEngine(state, gateway)
	mustCreate(t, eng, seller)

	err := eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 900, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33})
	if err != nil {
		t.Fatalf("request verification: %v", err)
	}
	offer, err := eng.GetOffer(OfferDomainIntra, seller, 7)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if offer.Status != OfferVerificationPending {
		t.Fatalf("status = %s, want verification_pending", offer.Status)
	}
	if len(gateway.submitted) != 1 || gateway.submitted[0].RequestID != 900 {
		t.Fatalf("gateway saw %+v", gateway.submitted)
	}
	if _, ok := state.pending[900]; !ok {
		t.Fatal("correlation not recorded")
	}

	// A second request before any callback must not create a second live
	// correlation.
	err = eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 901, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33})
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second request error = %v, want state conflict", err)
	}
	if _, ok := state.pending[901]; ok {
		t.Fatal("conflicting request must not record a correlation")
	}
}

func TestRequestVerificationGatewayRejection(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	gateway := &stubGateway{err: mpc.ErrClusterUnavailable}
	eng := newTestEngine(state, gateway)
	mustCreate(t, eng, seller)

	err := eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 900, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33})
	if !errors.Is(err, mpc.ErrClusterUnavailable) {
		t.Fatalf("error = %v, want cluster unavailable", err)
	}
	offer, _ := eng.GetOffer(OfferDomainIntra, seller, 7)
	if offer.Status != OfferCreated {
		t.Fatalf("status = %s, want created after rejection", offer.Status)
	}
	if len(state.pending) != 0 {
		t.Fatal("rejected submit must not leave a correlation")
	}

	// Caller retry with a fresh request id succeeds once the cluster is back.
	gateway.err = nil
	if err := eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 901, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33}); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestSettleHappyPath(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	state.seed(seller, 150, 0)
	state.seed(buyer, 80, 0)
	emitter := &capturingEmitter{}
	eng := newTestEngine(state, &stubGateway{})
	eng.SetEmitter(emitter)

	mustCreate(t, eng, seller)
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 50); err != nil {
		t.Fatalf("fund buyer vault: %v", err)
	}
	requestAndVerify(t, eng, seller, 900)

	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := state.balance(buyer, true); got.Cmp(big.NewInt(130)) != 0 {
		t.Fatalf("buyer balance = %s, want 130 (80 - 50 + 100)", got)
	}
	if got := state.balance(seller, true); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller balance = %s, want 100 (150 - 100 + 50)", got)
	}
	if got := state.balance(VaultAddress(RoleSeller, seller, 7), true); got.Sign() != 0 {
		t.Fatalf("seller vault not emptied: %s", got)
	}
	if got := state.balance(VaultAddress(RoleBuyer, buyer, 7), true); got.Sign() != 0 {
		t.Fatalf("buyer vault not emptied: %s", got)
	}
	offer, _ := eng.GetOffer(OfferDomainIntra, seller, 7)
	if offer.Status != OfferSettled {
		t.Fatalf("status = %s, want settled", offer.Status)
	}

	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second settle error = %v, want state conflict", err)
	}

	want := []string{
		EventTypeOfferCreated,
		EventTypeVaultFunded,
		EventTypeVaultFunded,
		EventTypeVerificationRequested,
		EventTypeOfferVerified,
		EventTypeOfferSettled,
	}
	got := emitter.typesSeen()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSettleTokenizedTakerLeg(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	state.seed(seller, 150, 0)
	state.seed(buyer, 0, 80)
	eng := newTestEngine(state, &stubGateway{})

	if _, err := eng.CreateOffer(seller, 7, OfferDomainIntra, 100, 50, false, 0, testNow+3600); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 50); err != nil {
		t.Fatalf("fund buyer vault: %v", err)
	}
	requestAndVerify(t, eng, seller, 900)
	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := state.balance(seller, false); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("seller tokenized balance = %s, want 50", got)
	}
	if got := state.balance(buyer, true); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer native balance = %s, want 100", got)
	}
}

func TestSettleRejectedBeforeVerification(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	state.seed(seller, 150, 0)
	state.seed(buyer, 80, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 50); err != nil {
		t.Fatalf("fund buyer vault: %v", err)
	}

	sellerBefore := state.balance(seller, true)
	buyerBefore := state.balance(buyer, true)

	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("settle from created error = %v, want state conflict", err)
	}
	if err := eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 900, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33}); err != nil {
		t.Fatalf("request verification: %v", err)
	}
	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("settle from pending error = %v, want state conflict", err)
	}

	if state.balance(seller, true).Cmp(sellerBefore) != 0 || state.balance(buyer, true).Cmp(buyerBefore) != 0 {
		t.Fatal("rejected settle must not move balances")
	}
}

func TestAbortedComputation(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	state.seed(seller, 150, 0)
	state.seed(buyer, 80, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 50); err != nil {
		t.Fatalf("fund buyer vault: %v", err)
	}
	if err := eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 900, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33}); err != nil {
		t.Fatalf("request verification: %v", err)
	}

	// Delivering the abort is a successful delivery; the outcome lands in the
	// recorded status.
	if err := eng.OnVerificationResult(900, mpc.Result{Aborted: true}); err != nil {
		t.Fatalf("abort callback: %v", err)
	}
	offer, _ := eng.GetOffer(OfferDomainIntra, seller, 7)
	if offer.Status != OfferAborted {
		t.Fatalf("status = %s, want aborted", offer.Status)
	}

	// Redelivery finds the correlation already consumed.
	if err := eng.OnVerificationResult(900, mpc.Result{Aborted: true}); !errors.Is(err, mpc.ErrUnknownRequest) {
		t.Fatalf("redelivered abort error = %v, want unknown request", err)
	}

	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("settle after abort error = %v, want state conflict", err)
	}

	// No verification retry on the same offer; a new offer must be created.
	err := eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 901, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33})
	if !errors.Is(err, ErrComputationAborted) {
		t.Fatalf("retry after abort error = %v, want computation aborted", err)
	}

	// Expiry still refunds both depositors.
	eng.SetNowFunc(func() int64 { return testNow + 7200 })
	if err := eng.ExpireAndRefund(OfferDomainIntra, seller, 7); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := state.balance(seller, true); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("seller refund balance = %s, want 150", got)
	}
	if got := state.balance(buyer, true); got.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("buyer refund balance = %s, want 80", got)
	}
}

func TestDuplicateCallbackRejected(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)
	requestAndVerify(t, eng, seller, 900)

	err := eng.OnVerificationResult(900, mpc.Result{})
	if !errors.Is(err, mpc.ErrUnknownRequest) {
		t.Fatalf("duplicate callback error = %v, want unknown request", err)
	}
	offer, _ := eng.GetOffer(OfferDomainIntra, seller, 7)
	if offer.Status != OfferVerified {
		t.Fatalf("duplicate callback mutated status to %s", offer.Status)
	}
}

func TestExpiryDominance(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	state.seed(seller, 150, 0)
	state.seed(buyer, 80, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 50); err != nil {
		t.Fatalf("fund buyer vault: %v", err)
	}
	requestAndVerify(t, eng, seller, 900)

	eng.SetNowFunc(func() int64 { return testNow + 7200 })
	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("late settle error = %v, want deadline exceeded", err)
	}

	if err := eng.ExpireAndRefund(OfferDomainIntra, seller, 7); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if got := state.balance(seller, true); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("seller balance after refund = %s, want 150", got)
	}
	if got := state.balance(buyer, true); got.Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("buyer balance after refund = %s, want 80", got)
	}
	if got := state.balance(VaultAddress(RoleSeller, seller, 7), true); got.Sign() != 0 {
		t.Fatalf("seller vault not zero after refund: %s", got)
	}
	if got := state.balance(VaultAddress(RoleBuyer, buyer, 7), true); got.Sign() != 0 {
		t.Fatalf("buyer vault not zero after refund: %s", got)
	}

	if err := eng.ExpireAndRefund(OfferDomainIntra, seller, 7); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("second expire error = %v, want state conflict", err)
	}
}

func TestExpireBeforeDeadlineRejected(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)

	if err := eng.ExpireAndRefund(OfferDomainIntra, seller, 7); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("early expire error = %v, want precondition", err)
	}
}

func TestLateCallbackAfterExpiry(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	emitter := &capturingEmitter{}
	eng := newTestEngine(state, &stubGateway{})
	eng.SetEmitter(emitter)
	mustCreate(t, eng, seller)
	if err := eng.RequestVerification(context.Background(), OfferDomainIntra, seller, 7, 900, [32]byte{0x11}, [32]byte{0x22}, [16]byte{0x33}); err != nil {
		t.Fatalf("request verification: %v", err)
	}

	eng.SetNowFunc(func() int64 { return testNow + 7200 })
	if err := eng.ExpireAndRefund(OfferDomainIntra, seller, 7); err != nil {
		t.Fatalf("expire: %v", err)
	}

	// The callback is accepted for bookkeeping but cannot revive the offer.
	if err := eng.OnVerificationResult(900, mpc.Result{}); err != nil {
		t.Fatalf("late callback: %v", err)
	}
	offer, _ := eng.GetOffer(OfferDomainIntra, seller, 7)
	if offer.Status != OfferExpired {
		t.Fatalf("status = %s, want expired", offer.Status)
	}
	seller2 := testAddr(0x02)
	if err := eng.Settle(OfferDomainIntra, seller, 7, seller2); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("settle after expiry error = %v, want state conflict", err)
	}
}

func TestSettleAtomicityBuyerUnderfunded(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	state.seed(seller, 150, 0)
	state.seed(buyer, 80, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)
	// Partial funding: 10 of the 50 wanted.
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 10); err != nil {
		t.Fatalf("fund buyer vault: %v", err)
	}
	requestAndVerify(t, eng, seller, 900)

	if err := eng.Settle(OfferDomainIntra, seller, 7, buyer); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("underfunded settle error = %v, want precondition", err)
	}
	// Neither leg applied.
	if got := state.balance(VaultAddress(RoleSeller, seller, 7), true); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("seller vault = %s, want untouched 100", got)
	}
	if got := state.balance(VaultAddress(RoleBuyer, buyer, 7), true); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("buyer vault = %s, want untouched 10", got)
	}
	if got := state.balance(buyer, true); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("buyer balance = %s, want untouched 70", got)
	}
}

func TestSettleWithoutCounterpartyRejected(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	state.seed(seller, 150, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)
	requestAndVerify(t, eng, seller, 900)

	stranger := testAddr(0x09)
	if err := eng.Settle(OfferDomainIntra, seller, 7, stranger); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("settle without taker error = %v, want precondition", err)
	}
}

func TestFundVaultBindsCounterparty(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	other := testAddr(0x03)
	state.seed(seller, 150, 0)
	state.seed(buyer, 80, 0)
	state.seed(other, 80, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)

	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 20); err != nil {
		t.Fatalf("first buyer funding: %v", err)
	}
	offer, _ := eng.GetOffer(OfferDomainIntra, seller, 7)
	if offer.Taker != buyer {
		t.Fatal("first buyer funding must bind the counterparty")
	}

	// Funding is additive, not idempotent.
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 30); err != nil {
		t.Fatalf("second buyer funding: %v", err)
	}
	if got := state.balance(VaultAddress(RoleBuyer, buyer, 7), true); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("buyer vault = %s, want 50 after two deposits", got)
	}

	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, other, 20); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("second counterparty error = %v, want precondition", err)
	}
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleSeller, other, 20); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("non-creator seller funding error = %v, want precondition", err)
	}
}

func TestFundVaultCapsAtCommittedAmount(t *testing.T) {
	state := newMockState()
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	state.seed(seller, 150, 0)
	state.seed(buyer, 80, 0)
	eng := newTestEngine(state, &stubGateway{})
	mustCreate(t, eng, seller)

	// The seller vault already holds the full committed amount.
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleSeller, seller, 1); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("seller top-up error = %v, want precondition", err)
	}

	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 51); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("oversized buyer deposit error = %v, want precondition", err)
	}
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 40); err != nil {
		t.Fatalf("partial buyer deposit: %v", err)
	}
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 11); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("overflowing top-up error = %v, want precondition", err)
	}
	if err := eng.FundVault(OfferDomainIntra, seller, 7, RoleBuyer, buyer, 10); err != nil {
		t.Fatalf("exact top-up: %v", err)
	}
	if got := state.balance(VaultAddress(RoleBuyer, buyer, 7), true); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("buyer vault = %s, want exactly the committed 50", got)
	}
	if got := state.balance(buyer, true); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("buyer balance = %s, want 30 after rejected deposits left it untouched", got)
	}
}

func TestOperationsOnMissingOffer(t *testing.T) {
	state := newMockState()
	eng := newTestEngine(state, &stubGateway{})
	seller := testAddr(0x01)

	if _, err := eng.GetOffer(OfferDomainIntra, seller, 99); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("get error = %v, want not found", err)
	}
	if err := eng.Settle(OfferDomainIntra, seller, 99, seller); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("settle error = %v, want not found", err)
	}
	if err := eng.ExpireAndRefund(OfferDomainIntra, seller, 99); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("expire error = %v, want not found", err)
	}
}

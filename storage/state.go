package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"ccxchain/core/types"
	"ccxchain/native/exchange"
)

var (
	offerPrefix   = []byte("exchange/offer/")
	pendingPrefix = []byte("exchange/pending/")
	accountPrefix = []byte("account/")
)

// offerRecordSize is the fixed encoded width of one offer ledger entry.
const offerRecordSize = 8 + 20 + 20 + 1 + 8 + 8 + 1 + 8 + 8 + 8 + 1

// State exposes the settlement ledger over a key-value database. It implements
// the surface the exchange engine operates on: offers under a fixed-width
// binary codec, accounts as JSON documents, and the write-once verification
// correlation table.
type State struct {
	mu sync.Mutex
	db Database
}

// NewState wraps the database in a ledger state.
func NewState(db Database) *State {
	return &State{db: db}
}

func offerDBKey(key [32]byte) []byte {
	return append(append([]byte{}, offerPrefix...), key[:]...)
}

func pendingDBKey(requestID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, requestID)
	return append(append([]byte{}, pendingPrefix...), buf...)
}

func accountDBKey(addr []byte) []byte {
	return append(append([]byte{}, accountPrefix...), addr...)
}

func encodeOffer(o *exchange.Offer) []byte {
	buf := make([]byte, offerRecordSize)
	pos := 0
	binary.LittleEndian.PutUint64(buf[pos:], o.ID)
	pos += 8
	copy(buf[pos:], o.Creator[:])
	pos += 20
	copy(buf[pos:], o.Taker[:])
	pos += 20
	buf[pos] = byte(o.Domain)
	pos++
	binary.LittleEndian.PutUint64(buf[pos:], o.AmountOffered)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], o.AmountWanted)
	pos += 8
	if o.IsTakerNative {
		buf[pos] = 1
	}
	pos++
	binary.LittleEndian.PutUint64(buf[pos:], o.DomainID)
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], uint64(o.Deadline))
	pos += 8
	binary.LittleEndian.PutUint64(buf[pos:], uint64(o.CreatedAt))
	pos += 8
	buf[pos] = byte(o.Status)
	return buf
}

func decodeOffer(raw []byte) (*exchange.Offer, error) {
	if len(raw) != offerRecordSize {
		return nil, fmt.Errorf("offer record is %d bytes, want %d", len(raw), offerRecordSize)
	}
	o := &exchange.Offer{}
	pos := 0
	o.ID = binary.LittleEndian.Uint64(raw[pos:])
	pos += 8
	copy(o.Creator[:], raw[pos:])
	pos += 20
	copy(o.Taker[:], raw[pos:])
	pos += 20
	o.Domain = exchange.OfferDomain(raw[pos])
	pos++
	o.AmountOffered = binary.LittleEndian.Uint64(raw[pos:])
	pos += 8
	o.AmountWanted = binary.LittleEndian.Uint64(raw[pos:])
	pos += 8
	o.IsTakerNative = raw[pos] == 1
	pos++
	o.DomainID = binary.LittleEndian.Uint64(raw[pos:])
	pos += 8
	o.Deadline = int64(binary.LittleEndian.Uint64(raw[pos:]))
	pos += 8
	o.CreatedAt = int64(binary.LittleEndian.Uint64(raw[pos:]))
	pos += 8
	o.Status = exchange.OfferStatus(raw[pos])
	if !o.Domain.Valid() || !o.Status.Valid() {
		return nil, fmt.Errorf("offer record carries invalid discriminants")
	}
	return o, nil
}

// OfferPut writes the sanitized offer under its derived ledger key.
func (s *State) OfferPut(o *exchange.Offer) error {
	sanitized, err := exchange.SanitizeOffer(o)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sanitized.Key()
	return s.db.Put(offerDBKey(key), encodeOffer(sanitized))
}

// OfferGet loads the offer stored under key, if any.
func (s *State) OfferGet(key [32]byte) (*exchange.Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(offerDBKey(key))
	if err != nil {
		return nil, false
	}
	offer, err := decodeOffer(raw)
	if err != nil {
		return nil, false
	}
	return offer, true
}

// GetAccount loads the account stored for addr. A missing account is returned
// as nil without error; callers normalise through EnsureBalances.
func (s *State) GetAccount(addr []byte) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.db.Get(accountDBKey(addr))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	account := &types.Account{}
	if err := json.Unmarshal(raw, account); err != nil {
		return nil, fmt.Errorf("corrupted account record: %w", err)
	}
	return account.EnsureBalances(), nil
}

// PutAccount persists the account for addr.
func (s *State) PutAccount(addr []byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	raw, err := json.Marshal(account.EnsureBalances())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(accountDBKey(addr), raw)
}

// PendingPut records the correlation from requestID to the offer it verifies.
// The table is write-once per request id.
func (s *State) PendingPut(requestID uint64, offerKey [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dbKey := pendingDBKey(requestID)
	exists, err := s.db.Has(dbKey)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("request id %d already correlated", requestID)
	}
	return s.db.Put(dbKey, offerKey[:])
}

// PendingConsume removes and returns the correlation for requestID. The second
// consume for the same id reports a miss, which is what makes callback
// delivery one-shot.
func (s *State) PendingConsume(requestID uint64) ([32]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dbKey := pendingDBKey(requestID)
	raw, err := s.db.Get(dbKey)
	if errors.Is(err, ErrKeyNotFound) {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, err
	}
	if len(raw) != 32 {
		return [32]byte{}, false, fmt.Errorf("corrupted correlation record for request %d", requestID)
	}
	if err := s.db.Delete(dbKey); err != nil {
		return [32]byte{}, false, err
	}
	var key [32]byte
	copy(key[:], raw)
	return key, true, nil
}

// PendingDelete discards the correlation for requestID, used to unwind a
// registration whose submission the gateway rejected.
func (s *State) PendingDelete(requestID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete(pendingDBKey(requestID))
}

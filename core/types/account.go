package types

import "math/big"

// Account holds the spendable balances tracked by the settlement core. CCX is
// the platform's native asset, TCX the tokenized asset counterpart used when a
// taker settles a non-native leg.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceCCX *big.Int `json:"balanceCCX"`
	BalanceTCX *big.Int `json:"balanceTCX"`
}

// EnsureBalances returns the account with nil balance fields replaced by zero
// values so callers can operate on it without nil checks.
func (a *Account) EnsureBalances() *Account {
	if a == nil {
		return &Account{BalanceCCX: big.NewInt(0), BalanceTCX: big.NewInt(0)}
	}
	if a.BalanceCCX == nil {
		a.BalanceCCX = big.NewInt(0)
	}
	if a.BalanceTCX == nil {
		a.BalanceTCX = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{BalanceCCX: big.NewInt(0), BalanceTCX: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, BalanceCCX: big.NewInt(0), BalanceTCX: big.NewInt(0)}
	if a.BalanceCCX != nil {
		clone.BalanceCCX = new(big.Int).Set(a.BalanceCCX)
	}
	if a.BalanceTCX != nil {
		clone.BalanceTCX = new(big.Int).Set(a.BalanceTCX)
	}
	return clone
}

package mpc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClusterUnavailable reports that no computation cluster is accepting
	// submissions. Callers may retry with a fresh request id.
	ErrClusterUnavailable = errors.New("mpc: cluster unavailable")
	// ErrMalformedArgs reports that the submitted argument list does not form
	// a valid computation input.
	ErrMalformedArgs = errors.New("mpc: malformed arguments")
	// ErrRequestIDReused reports an attempt to submit with a request id that
	// was already accepted. Request ids are single use; retries must pick a
	// new one.
	ErrRequestIDReused = errors.New("mpc: request id reused")
	// ErrUnknownRequest reports a callback for a request id that was never
	// accepted or was already consumed.
	ErrUnknownRequest = errors.New("mpc: unknown request id")
)

// ArgumentKind enumerates the typed values accepted by the computation
// network. Each argument is either a plaintext scalar or a ciphertext destined
// for the recipient's encryption key.
type ArgumentKind uint8

const (
	ArgPlaintextU64 ArgumentKind = iota
	ArgPlaintextU128
	ArgEncryptedU8
	ArgEncryptedU64
	ArgRecipientKey
)

// Argument is one typed input to a confidential computation.
type Argument struct {
	Kind       ArgumentKind
	U64        uint64
	U128       [16]byte
	Ciphertext [32]byte
	PublicKey  [32]byte
}

// PlaintextU64 wraps a public 64-bit scalar.
func PlaintextU64(v uint64) Argument {
	return Argument{Kind: ArgPlaintextU64, U64: v}
}

// PlaintextU128 wraps a public 128-bit scalar, typically an encryption nonce.
func PlaintextU128(v [16]byte) Argument {
	return Argument{Kind: ArgPlaintextU128, U128: v}
}

// EncryptedU8 wraps a ciphertext carrying an encrypted 8-bit value.
func EncryptedU8(ct [32]byte) Argument {
	return Argument{Kind: ArgEncryptedU8, Ciphertext: ct}
}

// EncryptedU64 wraps a ciphertext carrying an encrypted 64-bit value.
func EncryptedU64(ct [32]byte) Argument {
	return Argument{Kind: ArgEncryptedU64, Ciphertext: ct}
}

// RecipientKey wraps the public encryption key the outputs are sealed for.
func RecipientKey(pk [32]byte) Argument {
	return Argument{Kind: ArgRecipientKey, PublicKey: pk}
}

// SubmitRequest is one confidential computation submission. RequestID is
// caller chosen and must never be reused, accepted or not consumed.
type SubmitRequest struct {
	RequestID uint64
	Args      []Argument
}

// Validate checks the argument list shape: a recipient key, a nonce and at
// least one encrypted input, mirroring the handshake triple every circuit
// expects.
func (r SubmitRequest) Validate() error {
	if len(r.Args) == 0 {
		return fmt.Errorf("%w: empty argument list", ErrMalformedArgs)
	}
	var haveKey, haveNonce, haveEncrypted bool
	for _, arg := range r.Args {
		switch arg.Kind {
		case ArgRecipientKey:
			haveKey = true
		case ArgPlaintextU128:
			haveNonce = true
		case ArgEncryptedU8, ArgEncryptedU64:
			haveEncrypted = true
		case ArgPlaintextU64:
		default:
			return fmt.Errorf("%w: unknown argument kind %d", ErrMalformedArgs, arg.Kind)
		}
	}
	if !haveKey {
		return fmt.Errorf("%w: missing recipient key", ErrMalformedArgs)
	}
	if !haveNonce {
		return fmt.Errorf("%w: missing nonce", ErrMalformedArgs)
	}
	if !haveEncrypted {
		return fmt.Errorf("%w: missing encrypted input", ErrMalformedArgs)
	}
	return nil
}

// Result is the outcome of a confidential computation, delivered exactly once
// per accepted request. When Aborted is false, Ciphertexts holds the outputs
// sealed for the recipient key alongside the encryption nonce used.
type Result struct {
	Aborted     bool
	Ciphertexts [][32]byte
	Nonce       [16]byte
}

// Callback receives the result for one prior submission. Implementations must
// reject unknown or duplicate request ids without mutating any ledger state.
type Callback func(requestID uint64, res Result) error

// Gateway is the boundary to the confidential computation network. Submit
// either accepts the request, guaranteeing exactly one later callback, or
// rejects it synchronously. The gateway never retries internally.
type Gateway interface {
	Submit(ctx context.Context, req SubmitRequest) error
}

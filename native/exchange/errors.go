package exchange

import "errors"

var (
	// ErrPrecondition rejects an operation whose inputs are invalid against
	// current ledger state (id already used, deadline in the past, vault
	// unfunded). The caller must correct the input and retry.
	ErrPrecondition = errors.New("exchange: precondition violation")
	// ErrStateConflict rejects an operation invoked from an incompatible
	// offer state. Nothing is mutated; callers must not treat this as a
	// silent no-op.
	ErrStateConflict = errors.New("exchange: state conflict")
	// ErrDeadlineExceeded rejects settlement attempted after expiry, even
	// when the offer is otherwise valid. The offer must be expired and
	// refunded instead.
	ErrDeadlineExceeded = errors.New("exchange: deadline exceeded")
	// ErrComputationAborted marks an offer whose confidential verification
	// was explicitly aborted by the computation network. Only refund remains
	// available; a new offer must be created to retry.
	ErrComputationAborted = errors.New("exchange: computation aborted")
	// ErrConsistency reports a vault balance invariant violated at release
	// time. It indicates a bug elsewhere and is never recoverable.
	ErrConsistency = errors.New("exchange: vault consistency fault")
	// ErrOfferNotFound reports a lookup for an offer that does not exist.
	ErrOfferNotFound = errors.New("exchange: offer not found")

	errNilState   = errors.New("exchange engine: state not configured")
	errNilGateway = errors.New("exchange engine: computation gateway not configured")
)

package transaction

import "errors"

var (
	// ErrSequence rejects a phase called outside its precondition state.
	// Nothing is changed.
	ErrSequence = errors.New("transaction: phase out of sequence")
	// ErrStartFailed reports a Start that could not classify the candidate
	// configuration.
	ErrStartFailed = errors.New("transaction: start failed")
	// ErrFatal reports a storage failure during commit. The transaction has
	// been abandoned.
	ErrFatal = errors.New("transaction: fatal storage error")
)

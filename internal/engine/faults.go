package engine

import "fmt"

// The engines report every precondition violation as one of the typed
// errors below; the HTTP layer maps them to status codes and machine codes
// with errors.As. Nothing here is retried.

// NotOwnerError: the caller does not own the book's library.
type NotOwnerError struct {
	BookID string
}

func (e NotOwnerError) Error() string {
	return fmt.Sprintf("caller does not own book %s", e.BookID)
}

// NotBorrowerError: the caller is not the book's current borrower.
type NotBorrowerError struct {
	BookID string
}

func (e NotBorrowerError) Error() string {
	return fmt.Sprintf("caller is not the borrower of book %s", e.BookID)
}

// NotClaimantError: the caller does not hold the claim on the book.
type NotClaimantError struct {
	BookID string
}

func (e NotClaimantError) Error() string {
	return fmt.Sprintf("caller does not hold the claim on book %s", e.BookID)
}

// InvalidStateError: the book is in the wrong lifecycle state for the
// attempted operation.
type InvalidStateError struct {
	BookID string
	State  string
	Op     string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s book %s in state %s", e.Op, e.BookID, e.State)
}

// DuplicateRequestError: the borrower already has an open request.
type DuplicateRequestError struct {
	BookID     string
	BorrowerID string
}

func (e DuplicateRequestError) Error() string {
	return fmt.Sprintf("borrower %s already has an open request for book %s", e.BorrowerID, e.BookID)
}

// AlreadyProcessedError: the borrow request was approved or declined before
// this call arrived.
type AlreadyProcessedError struct {
	RequestID string
}

func (e AlreadyProcessedError) Error() string {
	return fmt.Sprintf("request %s already processed", e.RequestID)
}

// SelfClaimError: owners cannot claim their own free books.
type SelfClaimError struct {
	BookID string
}

func (e SelfClaimError) Error() string {
	return fmt.Sprintf("cannot claim your own book %s", e.BookID)
}

// NotFreeError: the book is not marked free to good home.
type NotFreeError struct {
	BookID string
}

func (e NotFreeError) Error() string {
	return fmt.Sprintf("book %s is not free to good home", e.BookID)
}

// AlreadyClaimedError carries the winner's identity and hold expiry so the
// caller can surface "try again after X".
type AlreadyClaimedError struct {
	BookID    string
	ClaimedBy string
	ExpiresAt string
}

func (e AlreadyClaimedError) Error() string {
	return fmt.Sprintf("book %s already claimed by %s until %s", e.BookID, e.ClaimedBy, e.ExpiresAt)
}

// ClaimExpiredError: the hold lapsed before the caller acted on it.
type ClaimExpiredError struct {
	BookID string
}

func (e ClaimExpiredError) Error() string {
	return fmt.Sprintf("claim on book %s has expired", e.BookID)
}

// TransferPendingError: a handoff is already open for the book.
type TransferPendingError struct {
	BookID     string
	TransferID string
}

func (e TransferPendingError) Error() string {
	return fmt.Sprintf("transfer %s already pending for book %s", e.TransferID, e.BookID)
}

// NoTransferPendingError: receipt confirmed with no open handoff.
type NoTransferPendingError struct {
	BookID string
}

func (e NoTransferPendingError) Error() string {
	return fmt.Sprintf("no pending transfer for book %s", e.BookID)
}

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"bookring/internal/domain"
	"bookring/internal/events"
	"bookring/internal/repo"
)

// RequestBorrow opens a lending episode: a pending request row plus the
// available -> requested book transition. Several borrowers may queue
// requests for the same book; only one approval ever checks it out.
func (e Engine) RequestBorrow(ctx context.Context, bookID, borrowerID, message string) (domain.BorrowRequest, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return domain.BorrowRequest{}, err
	}
	ownerID, err := e.bookOwnerID(ctx, book)
	if err != nil {
		return domain.BorrowRequest{}, err
	}
	if ownerID == borrowerID {
		return domain.BorrowRequest{}, InvalidStateError{BookID: bookID, State: book.LendingState, Op: "borrow your own"}
	}
	dup, err := e.Repo.HasOpenRequest(ctx, bookID, borrowerID)
	if err != nil {
		return domain.BorrowRequest{}, err
	}
	if dup {
		return domain.BorrowRequest{}, DuplicateRequestError{BookID: bookID, BorrowerID: borrowerID}
	}

	now := e.nowString()
	br := domain.BorrowRequest{
		ID:          uuid.New().String(),
		BookID:      bookID,
		OwnerID:     ownerID,
		BorrowerID:  borrowerID,
		Message:     message,
		Status:      domain.RequestPending,
		RequestedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BorrowRequest{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.MarkRequested(ctx, tx, bookID, now)
	if err != nil {
		return domain.BorrowRequest{}, err
	}
	if !ok {
		// Borrowed, return-pending, or in the free pipeline.
		return domain.BorrowRequest{}, InvalidStateError{BookID: bookID, State: book.LendingState, Op: "request"}
	}
	if err := e.Repo.InsertRequest(ctx, tx, br); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// A racing request by the same borrower won between the
			// open-request check and this insert.
			return domain.BorrowRequest{}, DuplicateRequestError{BookID: bookID, BorrowerID: borrowerID}
		}
		return domain.BorrowRequest{}, err
	}
	if err := e.audit().Append(ctx, tx, "book.requested", bookID, borrowerID, events.EventPayload{
		"request_id": br.ID,
		"owner_id":   ownerID,
	}); err != nil {
		return domain.BorrowRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BorrowRequest{}, err
	}
	return br, nil
}

// RespondToRequest approves or declines a pending borrow request. Only the
// owner of the requested book may respond. Approval checks the book out for
// the configured loan window and closes competing requests.
func (e Engine) RespondToRequest(ctx context.Context, requestID, actingOwnerID string, approve bool) (domain.BorrowRequest, error) {
	br, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return br, err
	}
	book, err := e.Repo.GetBook(ctx, br.BookID)
	if err != nil {
		return br, err
	}
	if err := e.requireOwner(ctx, book, actingOwnerID); err != nil {
		return br, err
	}
	if br.Status != domain.RequestPending {
		return br, AlreadyProcessedError{RequestID: requestID}
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return br, err
	}
	defer tx.Rollback()

	if !approve {
		ok, err := e.Repo.DeclineRequest(ctx, tx, requestID)
		if err != nil {
			return br, err
		}
		if !ok {
			return br, AlreadyProcessedError{RequestID: requestID}
		}
		remaining, err := e.Repo.CountPending(ctx, tx, br.BookID)
		if err != nil {
			return br, err
		}
		if remaining == 0 {
			if _, err := e.Repo.RestoreAvailable(ctx, tx, br.BookID, now); err != nil {
				return br, err
			}
		}
		if err := e.audit().Append(ctx, tx, "request.declined", br.BookID, actingOwnerID, events.EventPayload{
			"request_id":  requestID,
			"borrower_id": br.BorrowerID,
		}); err != nil {
			return br, err
		}
		if err := tx.Commit(); err != nil {
			return br, err
		}
		br.Status = domain.RequestDeclined
		return br, nil
	}

	ok, err := e.Repo.ApproveRequest(ctx, tx, requestID, now)
	if err != nil {
		return br, err
	}
	if !ok {
		return br, AlreadyProcessedError{RequestID: requestID}
	}
	due := e.now().UTC().Add(e.cfg().LoanWindow()).Format(time.RFC3339)
	ok, err = e.Repo.Checkout(ctx, tx, br.BookID, br.BorrowerID, now, due)
	if err != nil {
		return br, err
	}
	if !ok {
		// Another request on this book was approved concurrently.
		return br, InvalidStateError{BookID: br.BookID, State: book.LendingState, Op: "approve request for"}
	}
	if err := e.Repo.DeclineOtherPending(ctx, tx, br.BookID, requestID); err != nil {
		return br, err
	}
	if err := e.audit().Append(ctx, tx, "request.approved", br.BookID, actingOwnerID, events.EventPayload{
		"request_id":  requestID,
		"borrower_id": br.BorrowerID,
		"due_date":    due,
	}); err != nil {
		return br, err
	}
	if err := tx.Commit(); err != nil {
		return br, err
	}
	br.Status = domain.RequestApproved
	br.ApprovedAt = &now
	return br, nil
}

// InitiateReturn moves a borrowed book to return_pending. Borrower only.
func (e Engine) InitiateReturn(ctx context.Context, bookID, actingUserID string) (domain.Book, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return book, err
	}
	if book.BorrowerID == nil || *book.BorrowerID != actingUserID {
		return book, NotBorrowerError{BookID: bookID}
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return book, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.BeginReturn(ctx, tx, bookID, actingUserID, now)
	if err != nil {
		return book, err
	}
	if !ok {
		return book, InvalidStateError{BookID: bookID, State: book.LendingState, Op: "initiate return of"}
	}
	if err := e.audit().Append(ctx, tx, "book.return_initiated", bookID, actingUserID, nil); err != nil {
		return book, err
	}
	if err := tx.Commit(); err != nil {
		return book, err
	}
	return e.Repo.GetBook(ctx, bookID)
}

// CancelReturn reverts return_pending back to borrowed. Borrower only.
func (e Engine) CancelReturn(ctx context.Context, bookID, actingUserID string) (domain.Book, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return book, err
	}
	if book.BorrowerID == nil || *book.BorrowerID != actingUserID {
		return book, NotBorrowerError{BookID: bookID}
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return book, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CancelReturn(ctx, tx, bookID, actingUserID, now)
	if err != nil {
		return book, err
	}
	if !ok {
		return book, InvalidStateError{BookID: bookID, State: book.LendingState, Op: "cancel return of"}
	}
	if err := e.audit().Append(ctx, tx, "book.return_canceled", bookID, actingUserID, nil); err != nil {
		return book, err
	}
	if err := tx.Commit(); err != nil {
		return book, err
	}
	return e.Repo.GetBook(ctx, bookID)
}

// ConfirmReturn closes the lending episode: the owner acknowledges the book
// is back, lending fields clear, the history row gets its check-in stamp.
func (e Engine) ConfirmReturn(ctx context.Context, bookID, actingOwnerID string) (domain.Book, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return book, err
	}
	if err := e.requireOwner(ctx, book, actingOwnerID); err != nil {
		return book, err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return book, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CompleteReturn(ctx, tx, bookID, now)
	if err != nil {
		return book, err
	}
	if !ok {
		return book, InvalidStateError{BookID: bookID, State: book.LendingState, Op: "confirm return of"}
	}
	episode, err := e.Repo.OpenEpisode(ctx, tx, bookID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return book, err
	}
	if err == nil {
		if _, err := e.Repo.CloseEpisode(ctx, tx, episode.ID, now); err != nil {
			return book, err
		}
	}
	if err := e.audit().Append(ctx, tx, "book.returned", bookID, actingOwnerID, events.EventPayload{
		"borrower_id": book.BorrowerID,
	}); err != nil {
		return book, err
	}
	if err := tx.Commit(); err != nil {
		return book, err
	}
	return e.Repo.GetBook(ctx, bookID)
}

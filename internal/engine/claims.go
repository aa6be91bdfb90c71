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

// SetFreeStatus marks or unmarks a book free to good home. Toggling always
// wipes claim state: changing delivery terms under an outstanding claim
// would be ambiguous, so the claim resets instead. The book must be outside
// the lending pipeline and have no handoff in flight.
func (e Engine) SetFreeStatus(ctx context.Context, bookID, actingOwnerID string, isFree bool, deliveryMethod string) (domain.Book, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return book, err
	}
	if err := e.requireOwner(ctx, book, actingOwnerID); err != nil {
		return book, err
	}
	if isFree && !domain.ValidDeliveryMethod(deliveryMethod) {
		return book, errors.New("delivery_method must be pickup, mail or both")
	}
	if !isFree {
		deliveryMethod = ""
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return book, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.SetFree(ctx, tx, bookID, isFree, deliveryMethod, now)
	if err != nil {
		return book, err
	}
	if !ok {
		tx.Rollback()
		if book.TransferStatus == domain.TransferPending {
			t, terr := e.Repo.PendingTransfer(ctx, bookID)
			if terr == nil {
				return book, TransferPendingError{BookID: bookID, TransferID: t.ID}
			}
		}
		return book, InvalidStateError{BookID: bookID, State: book.LendingState, Op: "change free status of"}
	}
	if err := e.audit().Append(ctx, tx, "book.free_set", bookID, actingOwnerID, events.EventPayload{
		"free_to_good_home": isFree,
		"delivery_method":   deliveryMethod,
	}); err != nil {
		return book, err
	}
	if err := tx.Commit(); err != nil {
		return book, err
	}
	return e.Repo.GetBook(ctx, bookID)
}

// ClaimBook places the 48-hour exclusive hold. The losing caller of a race
// gets AlreadyClaimedError with the winner's id and expiry; a lapsed hold
// is silently overwritten.
func (e Engine) ClaimBook(ctx context.Context, bookID, claimantID string) (domain.Book, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return book, err
	}
	ownerID, err := e.bookOwnerID(ctx, book)
	if err != nil {
		return book, err
	}
	if ownerID == claimantID {
		return book, SelfClaimError{BookID: bookID}
	}
	if !book.FreeToGoodHome {
		return book, NotFreeError{BookID: bookID}
	}
	now := e.nowString()
	expires := e.now().UTC().Add(e.cfg().ClaimHold()).Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return book, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.Claim(ctx, tx, bookID, claimantID, now, expires)
	if err != nil {
		return book, err
	}
	if !ok {
		// Release the tx before the diagnostic re-read.
		tx.Rollback()
		return book, e.classifyClaimFailure(ctx, bookID, now)
	}
	if err := e.audit().Append(ctx, tx, "book.claimed", bookID, claimantID, events.EventPayload{
		"expires_at": expires,
	}); err != nil {
		return book, err
	}
	if err := tx.Commit(); err != nil {
		return book, err
	}
	return e.Repo.GetBook(ctx, bookID)
}

// classifyClaimFailure re-reads after a zero-row claim update to tell the
// caller why it lost.
func (e Engine) classifyClaimFailure(ctx context.Context, bookID, now string) error {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if !book.FreeToGoodHome {
		return NotFreeError{BookID: bookID}
	}
	if book.TransferStatus == domain.TransferPending {
		t, terr := e.Repo.PendingTransfer(ctx, bookID)
		if terr == nil {
			return TransferPendingError{BookID: bookID, TransferID: t.ID}
		}
	}
	if book.ClaimActive(now) {
		return AlreadyClaimedError{
			BookID:    bookID,
			ClaimedBy: *book.ClaimedByUserID,
			ExpiresAt: *book.ClaimExpiresAt,
		}
	}
	return InvalidStateError{BookID: bookID, State: book.LendingState, Op: "claim"}
}

// ReleaseClaim lets the claimant give the hold back early. An expired hold
// needs no release and reports so.
func (e Engine) ReleaseClaim(ctx context.Context, bookID, actingUserID string) (domain.Book, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return book, err
	}
	if book.ClaimedByUserID == nil || *book.ClaimedByUserID != actingUserID {
		return book, NotClaimantError{BookID: bookID}
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return book, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ReleaseClaim(ctx, tx, bookID, actingUserID, now)
	if err != nil {
		return book, err
	}
	if !ok {
		tx.Rollback()
		// The claim backs a pending handoff, or the hold already lapsed.
		if t, terr := e.Repo.PendingTransfer(ctx, bookID); terr == nil {
			return book, TransferPendingError{BookID: bookID, TransferID: t.ID}
		}
		return book, ClaimExpiredError{BookID: bookID}
	}
	if err := e.audit().Append(ctx, tx, "claim.released", bookID, actingUserID, nil); err != nil {
		return book, err
	}
	if err := tx.Commit(); err != nil {
		return book, err
	}
	return e.Repo.GetBook(ctx, bookID)
}

// MarkHandedOff records the owner's attestation that the book left their
// possession: a pending Transfer row from the owner's library to the
// claimant's. Exactly one open transfer per book.
func (e Engine) MarkHandedOff(ctx context.Context, bookID, actingOwnerID string) (domain.Transfer, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return domain.Transfer{}, err
	}
	if err := e.requireOwner(ctx, book, actingOwnerID); err != nil {
		return domain.Transfer{}, err
	}
	now := e.nowString()
	if book.ClaimedByUserID == nil {
		return domain.Transfer{}, InvalidStateError{BookID: bookID, State: "unclaimed", Op: "hand off"}
	}
	if !book.ClaimActive(now) {
		return domain.Transfer{}, ClaimExpiredError{BookID: bookID}
	}
	toLib, err := e.EnsureLibrary(ctx, *book.ClaimedByUserID, "")
	if err != nil {
		return domain.Transfer{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transfer{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.BeginTransfer(ctx, tx, bookID, now)
	if err != nil {
		return domain.Transfer{}, err
	}
	if !ok {
		tx.Rollback()
		if t, terr := e.Repo.PendingTransfer(ctx, bookID); terr == nil {
			return domain.Transfer{}, TransferPendingError{BookID: bookID, TransferID: t.ID}
		}
		return domain.Transfer{}, InvalidStateError{BookID: bookID, State: book.TransferStatus, Op: "hand off"}
	}
	t := domain.Transfer{
		ID:            uuid.New().String(),
		BookID:        bookID,
		FromLibraryID: book.LibraryID,
		ToLibraryID:   toLib.ID,
		Status:        domain.TransferPending,
		InitiatedAt:   now,
	}
	if err := e.Repo.InsertTransfer(ctx, tx, t); err != nil {
		return domain.Transfer{}, err
	}
	if err := e.audit().Append(ctx, tx, "transfer.initiated", bookID, actingOwnerID, events.EventPayload{
		"transfer_id": t.ID,
		"to_library":  toLib.ID,
	}); err != nil {
		return domain.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transfer{}, err
	}
	return t, nil
}

// ConfirmReceived completes the transfer: the claimant confirms the book
// arrived, ownership moves to their library, claim and free flags clear.
// The book reassignment is authoritative; if the Transfer-row completion
// fails afterwards the failure is logged and the caller still gets success.
func (e Engine) ConfirmReceived(ctx context.Context, bookID, actingClaimantID string) (domain.Book, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return book, err
	}
	if book.ClaimedByUserID == nil || *book.ClaimedByUserID != actingClaimantID {
		return book, NotClaimantError{BookID: bookID}
	}
	transfer, err := e.Repo.PendingTransfer(ctx, bookID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return book, NoTransferPendingError{BookID: bookID}
		}
		return book, err
	}

	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return book, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CompleteTransfer(ctx, tx, bookID, actingClaimantID, transfer.ToLibraryID, now)
	if err != nil {
		return book, err
	}
	if !ok {
		return book, NoTransferPendingError{BookID: bookID}
	}
	if err := e.audit().Append(ctx, tx, "transfer.completed", bookID, actingClaimantID, events.EventPayload{
		"transfer_id":  transfer.ID,
		"from_library": transfer.FromLibraryID,
		"to_library":   transfer.ToLibraryID,
	}); err != nil {
		return book, err
	}
	if err := tx.Commit(); err != nil {
		return book, err
	}

	// Secondary bookkeeping: never fails the request.
	if _, err := e.Repo.CompleteTransferRow(ctx, transfer.ID, now); err != nil {
		e.logger().Printf("WARNING: book %s reassigned but transfer %s not marked completed: %v", bookID, transfer.ID, err)
	}
	return e.Repo.GetBook(ctx, bookID)
}

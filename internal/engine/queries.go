package engine

import (
	"context"

	"bookring/internal/domain"
	"bookring/internal/repo"
)

// BookView is a book joined with whatever open request or transfer hangs
// off it, the shape most read endpoints want.
type BookView struct {
	domain.Book
	PendingRequests []domain.BorrowRequest `json:"pending_requests,omitempty"`
	PendingTransfer *domain.Transfer       `json:"pending_transfer,omitempty"`
}

// GetBookView loads one book with its open requests and pending transfer.
func (e Engine) GetBookView(ctx context.Context, bookID string) (BookView, error) {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return BookView{}, err
	}
	return e.bookView(ctx, book)
}

func (e Engine) bookView(ctx context.Context, book domain.Book) (BookView, error) {
	v := BookView{Book: book}
	if book.LendingState == domain.LendingRequested {
		reqs, err := e.Repo.ListRequests(ctx, repo.RequestFilters{BookID: book.ID, Status: domain.RequestPending})
		if err != nil {
			return v, err
		}
		v.PendingRequests = reqs
	}
	if book.TransferStatus == domain.TransferPending {
		t, err := e.Repo.PendingTransfer(ctx, book.ID)
		if err == nil {
			v.PendingTransfer = &t
		} else if err != repo.ErrNotFound {
			return v, err
		}
	}
	return v, nil
}

// ListBooks is a thin passthrough; engine callers never touch Repo directly.
func (e Engine) ListBooks(ctx context.Context, f repo.BookFilters) ([]domain.Book, error) {
	return e.Repo.ListBooks(ctx, f)
}

// FreeBooks lists books currently up for grabs, excluding any already under
// an active claim or a pending handoff.
func (e Engine) FreeBooks(ctx context.Context) ([]domain.Book, error) {
	books, err := e.Repo.ListBooks(ctx, repo.BookFilters{FreeOnly: true})
	if err != nil {
		return nil, err
	}
	now := e.nowString()
	open := books[:0]
	for _, b := range books {
		if b.TransferStatus == domain.TransferPending || b.ClaimActive(now) {
			continue
		}
		open = append(open, b)
	}
	return open, nil
}

// Loans lists the books a user currently holds as borrower.
func (e Engine) Loans(ctx context.Context, borrowerID string) ([]domain.Book, error) {
	return e.Repo.ListBooks(ctx, repo.BookFilters{BorrowerID: borrowerID})
}

// Inbox bundles everything waiting on a user: borrow requests they must
// answer, claims on their free books, handoffs awaiting their confirmation
// and books of theirs overdue for return.
type Inbox struct {
	PendingRequests []domain.BorrowRequest `json:"pending_requests"`
	ClaimedBooks    []domain.Book          `json:"claimed_books"`
	IncomingBooks   []domain.Book          `json:"incoming_books"`
	Overdue         []domain.Book          `json:"overdue"`
}

// GetInbox assembles the notification view for one user.
func (e Engine) GetInbox(ctx context.Context, userID string) (Inbox, error) {
	now := e.nowString()
	inbox := Inbox{
		PendingRequests: []domain.BorrowRequest{},
		ClaimedBooks:    []domain.Book{},
		IncomingBooks:   []domain.Book{},
		Overdue:         []domain.Book{},
	}

	reqs, err := e.Repo.ListRequests(ctx, repo.RequestFilters{OwnerID: userID, Status: domain.RequestPending})
	if err != nil {
		return inbox, err
	}
	inbox.PendingRequests = append(inbox.PendingRequests, reqs...)

	claimed, err := e.Repo.ClaimedBooksForOwner(ctx, userID, now)
	if err != nil {
		return inbox, err
	}
	inbox.ClaimedBooks = append(inbox.ClaimedBooks, claimed...)

	// Books handed off to this user but not yet confirmed received.
	all, err := e.Repo.ListBooks(ctx, repo.BookFilters{FreeOnly: true})
	if err != nil {
		return inbox, err
	}
	for _, b := range all {
		if b.TransferStatus == domain.TransferPending &&
			b.ClaimedByUserID != nil && *b.ClaimedByUserID == userID {
			inbox.IncomingBooks = append(inbox.IncomingBooks, b)
		}
	}

	lib, err := e.Repo.GetLibraryByOwner(ctx, userID)
	if err != nil {
		if err == repo.ErrNotFound {
			return inbox, nil
		}
		return inbox, err
	}
	borrowed, err := e.Repo.ListBooks(ctx, repo.BookFilters{LibraryID: lib.ID, LendingState: domain.LendingBorrowed})
	if err != nil {
		return inbox, err
	}
	for _, b := range borrowed {
		if b.DueDate != nil && *b.DueDate < now {
			inbox.Overdue = append(inbox.Overdue, b)
		}
	}
	return inbox, nil
}

// History returns the audit trail for one book, newest first.
func (e Engine) History(ctx context.Context, bookID string, limit int) ([]domain.Event, error) {
	if _, err := e.Repo.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{BookID: bookID, Limit: limit})
}

// ListRequests passes borrower/owner/status filters through to storage.
func (e Engine) ListRequests(ctx context.Context, f repo.RequestFilters) ([]domain.BorrowRequest, error) {
	return e.Repo.ListRequests(ctx, f)
}

// Transfers lists the handoff records for one book, newest first.
func (e Engine) Transfers(ctx context.Context, bookID string, limit int) ([]domain.Transfer, error) {
	return e.Repo.ListTransfers(ctx, bookID, limit)
}

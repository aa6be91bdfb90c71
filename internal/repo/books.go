package repo

import (
	"context"
	"database/sql"
	"strings"

	"bookring/internal/domain"
)

const bookColumns = `id,library_id,title,author,lending_state,borrower_id,checked_out_at,due_date,return_requested_at,
free_to_good_home,delivery_method,claimed_by_user_id,claimed_at,claim_expires_at,transfer_status,created_at,updated_at`

func scanBook(scan func(dest ...any) error) (domain.Book, error) {
	var b domain.Book
	var author, borrower, checkedOut, due, returnReq, delivery, claimedBy, claimedAt, claimExpires sql.NullString
	var free int
	err := scan(&b.ID, &b.LibraryID, &b.Title, &author, &b.LendingState, &borrower, &checkedOut, &due, &returnReq,
		&free, &delivery, &claimedBy, &claimedAt, &claimExpires, &b.TransferStatus, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if author.Valid {
		b.Author = author.String
	}
	if borrower.Valid {
		b.BorrowerID = &borrower.String
	}
	if checkedOut.Valid {
		b.CheckedOutAt = &checkedOut.String
	}
	if due.Valid {
		b.DueDate = &due.String
	}
	if returnReq.Valid {
		b.ReturnRequestedAt = &returnReq.String
	}
	b.FreeToGoodHome = free != 0
	if delivery.Valid {
		b.DeliveryMethod = delivery.String
	}
	if claimedBy.Valid {
		b.ClaimedByUserID = &claimedBy.String
	}
	if claimedAt.Valid {
		b.ClaimedAt = &claimedAt.String
	}
	if claimExpires.Valid {
		b.ClaimExpiresAt = &claimExpires.String
	}
	return b, nil
}

func (r Repo) InsertBook(ctx context.Context, b domain.Book) error {
	free := 0
	if b.FreeToGoodHome {
		free = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO books(`+bookColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.LibraryID, b.Title, nullable(b.Author), b.LendingState, nullableStringPtr(b.BorrowerID),
		nullableStringPtr(b.CheckedOutAt), nullableStringPtr(b.DueDate), nullableStringPtr(b.ReturnRequestedAt),
		free, nullable(b.DeliveryMethod), nullableStringPtr(b.ClaimedByUserID), nullableStringPtr(b.ClaimedAt),
		nullableStringPtr(b.ClaimExpiresAt), b.TransferStatus, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBook(ctx context.Context, id string) (domain.Book, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id=?`, id)
	return scanBook(row.Scan)
}

func (r Repo) GetBookTx(ctx context.Context, tx *sql.Tx, id string) (domain.Book, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id=?`, id)
	return scanBook(row.Scan)
}

type BookFilters struct {
	LibraryID    string
	LendingState string
	BorrowerID   string
	FreeOnly     bool
	Limit        int
}

func (r Repo) ListBooks(ctx context.Context, f BookFilters) ([]domain.Book, error) {
	var clauses []string
	var args []any
	if f.LibraryID != "" {
		clauses = append(clauses, "library_id=?")
		args = append(args, f.LibraryID)
	}
	if f.LendingState != "" {
		clauses = append(clauses, "lending_state=?")
		args = append(args, f.LendingState)
	}
	if f.BorrowerID != "" {
		clauses = append(clauses, "borrower_id=?")
		args = append(args, f.BorrowerID)
	}
	if f.FreeOnly {
		clauses = append(clauses, "free_to_good_home=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + bookColumns + ` FROM books ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Book
	for rows.Next() {
		b, err := scanBook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ClaimedBooksForOwner lists books in the owner's library that carry an
// unexpired claim (the claimed-book alerts view). Expiry is filtered here,
// never swept.
func (r Repo) ClaimedBooksForOwner(ctx context.Context, ownerID, now string) ([]domain.Book, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bookColumns+` FROM books
WHERE library_id IN (SELECT id FROM libraries WHERE owner_id=?)
AND claimed_by_user_id IS NOT NULL AND claim_expires_at > ?
ORDER BY claimed_at ASC`, ownerID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Book
	for rows.Next() {
		b, err := scanBook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// DeleteBookIfIdle removes a book only when it sits in neither pipeline.
func (r Repo) DeleteBookIfIdle(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM books
WHERE id=? AND lending_state='available' AND transfer_status!='pending'
AND (claimed_by_user_id IS NULL OR claim_expires_at <= ?)`, id, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// The transition helpers below are the concurrency discipline: each is a
// single conditional UPDATE guarded by the expected prior state. Zero rows
// affected means a concurrent caller won or the precondition never held;
// the caller re-reads to classify.

func guarded(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRequested moves available -> requested when a borrow request opens.
// Re-requesting an already requested book is allowed (several borrowers may
// queue); the free pipeline blocks it.
func (r Repo) MarkRequested(ctx context.Context, tx *sql.Tx, bookID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books SET lending_state='requested', updated_at=?
WHERE id=? AND lending_state IN ('available','requested') AND free_to_good_home=0`, now, bookID))
}

// Checkout moves requested -> borrowed on approval.
func (r Repo) Checkout(ctx context.Context, tx *sql.Tx, bookID, borrowerID, now, due string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books
SET lending_state='borrowed', borrower_id=?, checked_out_at=?, due_date=?, updated_at=?
WHERE id=? AND lending_state='requested' AND borrower_id IS NULL`, borrowerID, now, due, now, bookID))
}

// RestoreAvailable reverts requested -> available once no open request remains.
func (r Repo) RestoreAvailable(ctx context.Context, tx *sql.Tx, bookID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books SET lending_state='available', updated_at=?
WHERE id=? AND lending_state='requested'`, now, bookID))
}

// BeginReturn moves borrowed -> return_pending, borrower only.
func (r Repo) BeginReturn(ctx context.Context, tx *sql.Tx, bookID, borrowerID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books SET lending_state='return_pending', return_requested_at=?, updated_at=?
WHERE id=? AND lending_state='borrowed' AND borrower_id=?`, now, now, bookID, borrowerID))
}

// CancelReturn reverts return_pending -> borrowed, borrower only.
func (r Repo) CancelReturn(ctx context.Context, tx *sql.Tx, bookID, borrowerID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books SET lending_state='borrowed', return_requested_at=NULL, updated_at=?
WHERE id=? AND lending_state='return_pending' AND borrower_id=?`, now, bookID, borrowerID))
}

// CompleteReturn closes the episode: return_pending -> available with all
// lending fields cleared.
func (r Repo) CompleteReturn(ctx context.Context, tx *sql.Tx, bookID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books
SET lending_state='available', borrower_id=NULL, checked_out_at=NULL, due_date=NULL, return_requested_at=NULL, updated_at=?
WHERE id=? AND lending_state='return_pending'`, now, bookID))
}

// SetFree toggles free-to-good-home. Toggling always resets claim state and
// requires the book to be outside the lending pipeline and outside a
// pending handoff.
func (r Repo) SetFree(ctx context.Context, tx *sql.Tx, bookID string, isFree bool, delivery, now string) (bool, error) {
	free := 0
	if isFree {
		free = 1
	}
	return guarded(tx.ExecContext(ctx, `UPDATE books
SET free_to_good_home=?, delivery_method=?, claimed_by_user_id=NULL, claimed_at=NULL, claim_expires_at=NULL,
    transfer_status='none', updated_at=?
WHERE id=? AND lending_state='available' AND transfer_status!='pending'`, free, nullable(delivery), now, bookID))
}

// Claim takes the exclusive hold. The WHERE clause is the whole mutual
// exclusion story: only a free book with no claim, or a lapsed one, matches.
func (r Repo) Claim(ctx context.Context, tx *sql.Tx, bookID, userID, now, expires string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books
SET claimed_by_user_id=?, claimed_at=?, claim_expires_at=?, updated_at=?
WHERE id=? AND free_to_good_home=1 AND transfer_status='none'
AND (claimed_by_user_id IS NULL OR claim_expires_at <= ?)`, userID, now, expires, now, bookID, now))
}

// ReleaseClaim clears an unexpired claim held by userID. A claim backing a
// pending handoff cannot be released; the transfer must complete first.
func (r Repo) ReleaseClaim(ctx context.Context, tx *sql.Tx, bookID, userID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books
SET claimed_by_user_id=NULL, claimed_at=NULL, claim_expires_at=NULL, updated_at=?
WHERE id=? AND claimed_by_user_id=? AND claim_expires_at > ? AND transfer_status='none'`, now, bookID, userID, now))
}

// BeginTransfer marks the handoff: transfer_status none -> pending while the
// claim is still live. At most one pending transfer per book.
func (r Repo) BeginTransfer(ctx context.Context, tx *sql.Tx, bookID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books SET transfer_status='pending', updated_at=?
WHERE id=? AND transfer_status='none' AND free_to_good_home=1
AND claimed_by_user_id IS NOT NULL AND claim_expires_at > ?`, now, bookID, now))
}

// CompleteTransfer is the one cross-ownership mutation: the book moves to
// the claimant's library, claim and free flags clear, transfer completes.
func (r Repo) CompleteTransfer(ctx context.Context, tx *sql.Tx, bookID, claimantID, toLibraryID, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE books
SET library_id=?, free_to_good_home=0, delivery_method=NULL,
    claimed_by_user_id=NULL, claimed_at=NULL, claim_expires_at=NULL,
    transfer_status='completed', updated_at=?
WHERE id=? AND transfer_status='pending' AND claimed_by_user_id=?`, toLibraryID, now, bookID, claimantID))
}

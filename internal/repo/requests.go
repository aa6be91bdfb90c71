package repo

import (
	"context"
	"database/sql"
	"strings"

	"bookring/internal/domain"
)

const requestColumns = `id,book_id,owner_id,borrower_id,message,status,requested_at,approved_at,checked_in_at`

func scanRequest(scan func(dest ...any) error) (domain.BorrowRequest, error) {
	var br domain.BorrowRequest
	var message, approvedAt, checkedInAt sql.NullString
	err := scan(&br.ID, &br.BookID, &br.OwnerID, &br.BorrowerID, &message, &br.Status, &br.RequestedAt, &approvedAt, &checkedInAt)
	if err == sql.ErrNoRows {
		return br, ErrNotFound
	}
	if err != nil {
		return br, err
	}
	if message.Valid {
		br.Message = message.String
	}
	if approvedAt.Valid {
		br.ApprovedAt = &approvedAt.String
	}
	if checkedInAt.Valid {
		br.CheckedInAt = &checkedInAt.String
	}
	return br, nil
}

// InsertRequest adds a request row. The uq_requests_open index rejects a
// second pending row for the same borrower and book; that surfaces as
// ErrDuplicate so racing requests lose cleanly instead of double-inserting.
func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, br domain.BorrowRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO borrow_requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		br.ID, br.BookID, br.OwnerID, br.BorrowerID, nullable(br.Message), br.Status, br.RequestedAt,
		nullableStringPtr(br.ApprovedAt), nullableStringPtr(br.CheckedInAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.BorrowRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM borrow_requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

// HasOpenRequest reports whether the borrower already has a pending request
// for the book (the idempotency guard behind DuplicateRequest).
func (r Repo) HasOpenRequest(ctx context.Context, bookID, borrowerID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM borrow_requests WHERE book_id=? AND borrower_id=? AND status='pending' LIMIT 1`,
		bookID, borrowerID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ApproveRequest flips pending -> approved; zero rows means a concurrent
// responder got there first.
func (r Repo) ApproveRequest(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE borrow_requests SET status='approved', approved_at=?
WHERE id=? AND status='pending'`, now, id))
}

func (r Repo) DeclineRequest(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE borrow_requests SET status='declined' WHERE id=? AND status='pending'`, id))
}

// DeclineOtherPending closes every other open request on the book when one
// gets approved.
func (r Repo) DeclineOtherPending(ctx context.Context, tx *sql.Tx, bookID, exceptID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE borrow_requests SET status='declined' WHERE book_id=? AND status='pending' AND id!=?`,
		bookID, exceptID)
	return err
}

func (r Repo) CountPending(ctx context.Context, tx *sql.Tx, bookID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM borrow_requests WHERE book_id=? AND status='pending'`, bookID).Scan(&n)
	return n, err
}

// OpenEpisode returns the approved, not yet checked-in request for a book:
// the current lending episode.
func (r Repo) OpenEpisode(ctx context.Context, tx *sql.Tx, bookID string) (domain.BorrowRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM borrow_requests
WHERE book_id=? AND status='approved' AND checked_in_at IS NULL ORDER BY approved_at DESC LIMIT 1`, bookID)
	return scanRequest(row.Scan)
}

// CloseEpisode stamps checked_in_at on the open episode row.
func (r Repo) CloseEpisode(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	return guarded(tx.ExecContext(ctx, `UPDATE borrow_requests SET checked_in_at=?
WHERE id=? AND status='approved' AND checked_in_at IS NULL`, now, id))
}

type RequestFilters struct {
	BookID     string
	OwnerID    string
	BorrowerID string
	Status     string
	Limit      int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.BorrowRequest, error) {
	var clauses []string
	var args []any
	if f.BookID != "" {
		clauses = append(clauses, "book_id=?")
		args = append(args, f.BookID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.BorrowerID != "" {
		clauses = append(clauses, "borrower_id=?")
		args = append(args, f.BorrowerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM borrow_requests ` + where + ` ORDER BY requested_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BorrowRequest
	for rows.Next() {
		br, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, br)
	}
	return res, rows.Err()
}

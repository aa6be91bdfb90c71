package repo

import (
	"context"
	"database/sql"

	"bookring/internal/domain"
)

const transferColumns = `id,book_id,from_library_id,to_library_id,status,initiated_at,completed_at`

func scanTransfer(scan func(dest ...any) error) (domain.Transfer, error) {
	var t domain.Transfer
	var completedAt sql.NullString
	err := scan(&t.ID, &t.BookID, &t.FromLibraryID, &t.ToLibraryID, &t.Status, &t.InitiatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTransfer(ctx context.Context, tx *sql.Tx, t domain.Transfer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transfers(`+transferColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.BookID, t.FromLibraryID, t.ToLibraryID, t.Status, t.InitiatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

func (r Repo) GetTransfer(ctx context.Context, id string) (domain.Transfer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id=?`, id)
	return scanTransfer(row.Scan)
}

// PendingTransfer returns the open transfer for a book, if any.
func (r Repo) PendingTransfer(ctx context.Context, bookID string) (domain.Transfer, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE book_id=? AND status='pending' LIMIT 1`, bookID)
	return scanTransfer(row.Scan)
}

// CompleteTransferRow flips the row pending -> completed. This runs after
// the book reassignment has committed; the caller logs a failure instead of
// rolling the book move back.
func (r Repo) CompleteTransferRow(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE transfers SET status='completed', completed_at=? WHERE id=? AND status='pending'`, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListTransfers(ctx context.Context, bookID string, limit int) ([]domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers`
	var args []any
	if bookID != "" {
		query += ` WHERE book_id=?`
		args = append(args, bookID)
	}
	query += ` ORDER BY initiated_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

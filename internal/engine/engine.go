package engine

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"bookring/internal/config"
	"bookring/internal/domain"
	"bookring/internal/events"
	"bookring/internal/repo"
)

// Engine applies the book lifecycle state machines against the store. Every
// operation takes the already-authenticated caller id explicitly; nothing
// reads ambient session state.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// audit returns the event writer bound to the engine clock, so audit rows
// carry the same timestamps as the transitions they record.
func (e Engine) audit() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// EnsureLibrary returns the caller's library, creating one on first use.
func (e Engine) EnsureLibrary(ctx context.Context, ownerID, name string) (domain.Library, error) {
	if ownerID == "" {
		return domain.Library{}, errors.New("owner id required")
	}
	lib, err := e.Repo.GetLibraryByOwner(ctx, ownerID)
	if err == nil {
		return lib, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Library{}, err
	}
	if name == "" {
		name = ownerID + "'s library"
	}
	lib = domain.Library{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertLibrary(ctx, lib); err != nil {
		return domain.Library{}, err
	}
	return lib, nil
}

// AddBook catalogs a new book in the caller's library.
func (e Engine) AddBook(ctx context.Context, ownerID, title, author string) (domain.Book, error) {
	if title == "" {
		return domain.Book{}, errors.New("title is required")
	}
	lib, err := e.EnsureLibrary(ctx, ownerID, "")
	if err != nil {
		return domain.Book{}, err
	}
	now := e.nowString()
	b := domain.Book{
		ID:             uuid.New().String(),
		LibraryID:      lib.ID,
		Title:          title,
		Author:         author,
		LendingState:   domain.LendingAvailable,
		TransferStatus: domain.TransferNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertBook(ctx, b); err != nil {
		return domain.Book{}, err
	}
	return b, nil
}

// RemoveBook deletes a book that sits in neither pipeline.
func (e Engine) RemoveBook(ctx context.Context, bookID, actingOwnerID string) error {
	book, err := e.Repo.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if err := e.requireOwner(ctx, book, actingOwnerID); err != nil {
		return err
	}
	ok, err := e.Repo.DeleteBookIfIdle(ctx, bookID, e.nowString())
	if err != nil {
		return err
	}
	if !ok {
		return InvalidStateError{BookID: bookID, State: book.LendingState, Op: "remove"}
	}
	return nil
}

// requireOwner verifies the caller owns the book's library.
func (e Engine) requireOwner(ctx context.Context, book domain.Book, userID string) error {
	lib, err := e.Repo.GetLibrary(ctx, book.LibraryID)
	if err != nil {
		return err
	}
	if lib.OwnerID != userID {
		return NotOwnerError{BookID: book.ID}
	}
	return nil
}

// bookOwnerID resolves the owning user of a book.
func (e Engine) bookOwnerID(ctx context.Context, book domain.Book) (string, error) {
	lib, err := e.Repo.GetLibrary(ctx, book.LibraryID)
	if err != nil {
		return "", err
	}
	return lib.OwnerID, nil
}

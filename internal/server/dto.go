package server

import (
	"encoding/json"

	"bookring/internal/domain"
	"bookring/internal/engine"
)

// Request payloads

type CreateLibraryRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateBookRequest struct {
	Title  string `json:"title"`
	Author string `json:"author,omitempty"`
}

type CreateBorrowRequest struct {
	BookID  string `json:"book_id"`
	Message string `json:"message,omitempty"`
}

type RespondBorrowRequest struct {
	Action string `json:"action" enum:"approve,decline"`
}

type ToggleFreeRequest struct {
	FreeToGoodHome bool   `json:"free_to_good_home"`
	DeliveryMethod string `json:"delivery_method,omitempty" enum:"pickup,mail,both"`
}

// Response payloads

type LibraryResponse struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BookResponse struct {
	ID        string `json:"id"`
	LibraryID string `json:"library_id"`
	Title     string `json:"title"`
	Author    string `json:"author,omitempty"`

	LendingState      string  `json:"lending_state" enum:"available,requested,borrowed,return_pending"`
	BorrowerID        *string `json:"borrower_id,omitempty"`
	CheckedOutAt      *string `json:"checked_out_at,omitempty" format:"date-time"`
	DueDate           *string `json:"due_date,omitempty" format:"date-time"`
	ReturnRequestedAt *string `json:"return_requested_at,omitempty" format:"date-time"`

	FreeToGoodHome  bool    `json:"free_to_good_home"`
	DeliveryMethod  string  `json:"delivery_method,omitempty" enum:"pickup,mail,both"`
	ClaimedByUserID *string `json:"claimed_by_user_id,omitempty"`
	ClaimedAt       *string `json:"claimed_at,omitempty" format:"date-time"`
	ClaimExpiresAt  *string `json:"claim_expires_at,omitempty" format:"date-time"`
	TransferStatus  string  `json:"transfer_status" enum:"none,pending,completed"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type BookDetailResponse struct {
	BookResponse
	PendingRequests []BorrowRequestResponse `json:"pending_requests,omitempty"`
	PendingTransfer *TransferResponse       `json:"pending_transfer,omitempty"`
}

type BorrowRequestResponse struct {
	ID          string  `json:"id"`
	BookID      string  `json:"book_id"`
	OwnerID     string  `json:"owner_id"`
	BorrowerID  string  `json:"borrower_id"`
	Message     string  `json:"message,omitempty"`
	Status      string  `json:"status" enum:"pending,approved,declined"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
	CheckedInAt *string `json:"checked_in_at,omitempty" format:"date-time"`
}

type TransferResponse struct {
	ID            string  `json:"id"`
	BookID        string  `json:"book_id"`
	FromLibraryID string  `json:"from_library_id"`
	ToLibraryID   string  `json:"to_library_id"`
	Status        string  `json:"status" enum:"pending,completed"`
	InitiatedAt   string  `json:"initiated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

type ClaimResponse struct {
	BookID         string `json:"book_id"`
	ClaimedAt      string `json:"claimed_at" format:"date-time"`
	ExpiresAt      string `json:"expires_at" format:"date-time"`
	DeliveryMethod string `json:"delivery_method" enum:"pickup,mail,both"`
}

type InboxResponse struct {
	PendingRequests []BorrowRequestResponse `json:"pending_requests"`
	ClaimedBooks    []BookResponse          `json:"claimed_books"`
	IncomingBooks   []BookResponse          `json:"incoming_books"`
	Overdue         []BookResponse          `json:"overdue"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	BookID  string         `json:"book_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Mapping helpers

func libraryResponse(l domain.Library) LibraryResponse {
	return LibraryResponse{
		ID:        l.ID,
		OwnerID:   l.OwnerID,
		Name:      l.Name,
		CreatedAt: l.CreatedAt,
	}
}

func bookResponse(b domain.Book) BookResponse {
	return BookResponse{
		ID:                b.ID,
		LibraryID:         b.LibraryID,
		Title:             b.Title,
		Author:            b.Author,
		LendingState:      b.LendingState,
		BorrowerID:        b.BorrowerID,
		CheckedOutAt:      b.CheckedOutAt,
		DueDate:           b.DueDate,
		ReturnRequestedAt: b.ReturnRequestedAt,
		FreeToGoodHome:    b.FreeToGoodHome,
		DeliveryMethod:    b.DeliveryMethod,
		ClaimedByUserID:   b.ClaimedByUserID,
		ClaimedAt:         b.ClaimedAt,
		ClaimExpiresAt:    b.ClaimExpiresAt,
		TransferStatus:    b.TransferStatus,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
}

func mapBooks(items []domain.Book) []BookResponse {
	out := make([]BookResponse, 0, len(items))
	for _, b := range items {
		out = append(out, bookResponse(b))
	}
	return out
}

func bookDetailResponse(v engine.BookView) BookDetailResponse {
	d := BookDetailResponse{BookResponse: bookResponse(v.Book)}
	for _, r := range v.PendingRequests {
		d.PendingRequests = append(d.PendingRequests, requestResponse(r))
	}
	if v.PendingTransfer != nil {
		t := transferResponse(*v.PendingTransfer)
		d.PendingTransfer = &t
	}
	return d
}

func requestResponse(r domain.BorrowRequest) BorrowRequestResponse {
	return BorrowRequestResponse{
		ID:          r.ID,
		BookID:      r.BookID,
		OwnerID:     r.OwnerID,
		BorrowerID:  r.BorrowerID,
		Message:     r.Message,
		Status:      r.Status,
		RequestedAt: r.RequestedAt,
		ApprovedAt:  r.ApprovedAt,
		CheckedInAt: r.CheckedInAt,
	}
}

func mapRequests(items []domain.BorrowRequest) []BorrowRequestResponse {
	out := make([]BorrowRequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

func transferResponse(t domain.Transfer) TransferResponse {
	return TransferResponse{
		ID:            t.ID,
		BookID:        t.BookID,
		FromLibraryID: t.FromLibraryID,
		ToLibraryID:   t.ToLibraryID,
		Status:        t.Status,
		InitiatedAt:   t.InitiatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:      evt.ID,
		TS:      evt.TS,
		Type:    evt.Type,
		BookID:  evt.BookID,
		ActorID: evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			out.Payload = payload
		}
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, eventResponse(evt))
	}
	return out
}

func inboxResponse(in engine.Inbox) InboxResponse {
	return InboxResponse{
		PendingRequests: mapRequests(in.PendingRequests),
		ClaimedBooks:    mapBooks(in.ClaimedBooks),
		IncomingBooks:   mapBooks(in.IncomingBooks),
		Overdue:         mapBooks(in.Overdue),
	}
}

package domain

// Lending states a book moves through. A book in any state other than
// LendingAvailable cannot be marked free to good home, and vice versa.
const (
	LendingAvailable     = "available"
	LendingRequested     = "requested"
	LendingBorrowed      = "borrowed"
	LendingReturnPending = "return_pending"
)

// Borrow request dispositions.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestDeclined = "declined"
)

// Transfer states. Advances none -> pending -> completed, never backward.
const (
	TransferNone      = "none"
	TransferPending   = "pending"
	TransferCompleted = "completed"
)

// Delivery methods for free-to-good-home books.
const (
	DeliveryPickup = "pickup"
	DeliveryMail   = "mail"
	DeliveryBoth   = "both"
)

type Library struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Book struct {
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

// BorrowRequest is one lending episode. It stays open (no checked_in_at)
// from request through checkout and closes when the owner confirms return.
type BorrowRequest struct {
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

// Transfer tracks one free-book handoff between libraries.
type Transfer struct {
	ID            string  `json:"id"`
	BookID        string  `json:"book_id"`
	FromLibraryID string  `json:"from_library_id"`
	ToLibraryID   string  `json:"to_library_id"`
	Status        string  `json:"status" enum:"pending,completed"`
	InitiatedAt   string  `json:"initiated_at" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BookID  string `json:"book_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ClaimActive reports whether the book carries an unexpired claim at the
// given RFC3339 instant. Expired claims are treated as already released
// everywhere; nothing sweeps them eagerly.
func (b Book) ClaimActive(now string) bool {
	return b.ClaimedByUserID != nil && b.ClaimExpiresAt != nil && *b.ClaimExpiresAt > now
}

// Idle reports whether the book sits in neither pipeline.
func (b Book) Idle(now string) bool {
	return b.LendingState == LendingAvailable && !b.FreeToGoodHome && !b.ClaimActive(now)
}

func ValidDeliveryMethod(m string) bool {
	switch m {
	case DeliveryPickup, DeliveryMail, DeliveryBoth:
		return true
	}
	return false
}

package bookringsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Bookring HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Book represents the API book model.
type Book struct {
	ID              string  `json:"id"`
	LibraryID       string  `json:"library_id"`
	Title           string  `json:"title"`
	Author          string  `json:"author,omitempty"`
	LendingState    string  `json:"lending_state"`
	BorrowerID      *string `json:"borrower_id,omitempty"`
	DueDate         *string `json:"due_date,omitempty"`
	FreeToGoodHome  bool    `json:"free_to_good_home"`
	DeliveryMethod  string  `json:"delivery_method,omitempty"`
	ClaimedByUserID *string `json:"claimed_by_user_id,omitempty"`
	ClaimExpiresAt  *string `json:"claim_expires_at,omitempty"`
	TransferStatus  string  `json:"transfer_status"`
}

// BorrowRequest represents a lending episode.
type BorrowRequest struct {
	ID          string `json:"id"`
	BookID      string `json:"book_id"`
	OwnerID     string `json:"owner_id"`
	BorrowerID  string `json:"borrower_id"`
	Status      string `json:"status"`
	RequestedAt string `json:"requested_at"`
}

// Transfer represents a free-book handoff.
type Transfer struct {
	ID            string `json:"id"`
	BookID        string `json:"book_id"`
	FromLibraryID string `json:"from_library_id"`
	ToLibraryID   string `json:"to_library_id"`
	Status        string `json:"status"`
}

// Claim is the result of placing a hold.
type Claim struct {
	BookID         string `json:"book_id"`
	ClaimedAt      string `json:"claimed_at"`
	ExpiresAt      string `json:"expires_at"`
	DeliveryMethod string `json:"delivery_method"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	BookID  string         `json:"book_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AddBook adds a book to the caller's library.
func (c *Client) AddBook(ctx context.Context, title, author string) (Book, error) {
	body := map[string]any{"title": title, "author": author}
	var resp Book
	err := c.do(ctx, http.MethodPost, "v1/books", body, &resp)
	return resp, err
}

// FreeBooks lists books open to claim.
func (c *Client) FreeBooks(ctx context.Context) ([]Book, error) {
	var resp []Book
	err := c.do(ctx, http.MethodGet, "v1/books?free=true", nil, &resp)
	return resp, err
}

// RequestBorrow asks to borrow a book.
func (c *Client) RequestBorrow(ctx context.Context, bookID, message string) (BorrowRequest, error) {
	body := map[string]any{"book_id": bookID, "message": message}
	var resp BorrowRequest
	err := c.do(ctx, http.MethodPost, "v1/borrow-requests", body, &resp)
	return resp, err
}

// RespondToRequest approves or declines a borrow request.
func (c *Client) RespondToRequest(ctx context.Context, requestID, action string) (BorrowRequest, error) {
	body := map[string]any{"action": action}
	var resp BorrowRequest
	endpoint := fmt.Sprintf("v1/borrow-requests/%s", url.PathEscape(requestID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// ClaimBook places the exclusive hold on a free book.
func (c *Client) ClaimBook(ctx context.Context, bookID string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPut, c.bookPath(bookID, "claim"), struct{}{}, &resp)
	return resp, err
}

// MarkHandedOff records the book leaving the owner's possession.
func (c *Client) MarkHandedOff(ctx context.Context, bookID string) (Transfer, error) {
	var resp Transfer
	err := c.do(ctx, http.MethodPut, c.bookPath(bookID, "mark-handed-off"), struct{}{}, &resp)
	return resp, err
}

// ConfirmReceived completes a transfer as the claimant.
func (c *Client) ConfirmReceived(ctx context.Context, bookID string) (Book, error) {
	var resp Book
	err := c.do(ctx, http.MethodPut, c.bookPath(bookID, "confirm-received"), struct{}{}, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the audit trail for one book.
func (c *Client) History(ctx context.Context, bookID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, c.bookPath(bookID, "history"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) bookPath(bookID, action string) string {
	return fmt.Sprintf("v1/books/%s/%s", url.PathEscape(bookID), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"bookring/internal/config"
	"bookring/internal/db"
	"bookring/internal/engine"
	"bookring/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyUserHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asUser(userID string) map[string]string {
	return map[string]string{"X-User-Id": userID}
}

func decodeBook(t *testing.T, data []byte) BookResponse {
	t.Helper()
	var book BookResponse
	if err := json.Unmarshal(data, &book); err != nil {
		t.Fatalf("unmarshal book: %v (%s)", err, string(data))
	}
	return book
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var wrapped struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return wrapped.Error
}

func addBook(t *testing.T, srv *testServer, ownerID, title string) BookResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/books", map[string]any{
		"title": title,
	}, asUser(ownerID))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add book status %d: %s", res.StatusCode, string(data))
	}
	return decodeBook(t, data)
}

func TestLendingPipeline(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	book := addBook(t, srv, "owner", "Dune")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/borrow-requests", map[string]any{
		"book_id": book.ID,
		"message": "weekend read?",
	}, asUser("borrower"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("request status %d: %s", res.StatusCode, string(data))
	}
	var br BorrowRequestResponse
	if err := json.Unmarshal(data, &br); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if br.Status != "pending" {
		t.Fatalf("request status = %q, want pending", br.Status)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/borrow-requests/"+br.ID, map[string]any{
		"action": "approve",
	}, asUser("owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/books/"+book.ID, nil, asUser("owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get book status %d: %s", res.StatusCode, string(data))
	}
	got := decodeBook(t, data)
	if got.LendingState != "borrowed" {
		t.Fatalf("lending state = %q, want borrowed", got.LendingState)
	}
	if got.BorrowerID == nil || *got.BorrowerID != "borrower" {
		t.Fatalf("borrower = %v, want borrower", got.BorrowerID)
	}
	if got.DueDate == nil {
		t.Fatal("expected a due date after checkout")
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/return", nil, asUser("borrower"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("return status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/confirm-return", nil, asUser("owner"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	got = decodeBook(t, data)
	if got.LendingState != "available" || got.BorrowerID != nil || got.DueDate != nil {
		t.Fatalf("book not reset after return: %+v", got)
	}
}

func TestClaimConflictPayload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	book := addBook(t, srv, "u1", "The Dispossessed")
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/toggle-free", map[string]any{
		"free_to_good_home": true,
		"delivery_method":   "pickup",
	}, asUser("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle-free status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/claim", nil, asUser("u2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claim ClaimResponse
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claim.ExpiresAt == "" {
		t.Fatal("claim response missing expiry")
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/claim", nil, asUser("u3"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d, want 409: %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "already_claimed" {
		t.Fatalf("error code = %q, want already_claimed", apiErr.Code)
	}
	if apiErr.Details["claimed_by"] != "u2" {
		t.Fatalf("details.claimed_by = %v, want u2", apiErr.Details["claimed_by"])
	}
	if apiErr.Details["expires_at"] != claim.ExpiresAt {
		t.Fatalf("details.expires_at = %v, want %s", apiErr.Details["expires_at"], claim.ExpiresAt)
	}
}

func TestFreeToGoodHomeHandoff(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	book := addBook(t, srv, "u1", "X")
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/toggle-free", map[string]any{
		"free_to_good_home": true,
		"delivery_method":   "pickup",
	}, asUser("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle-free status %d: %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/claim", nil, asUser("u2")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/mark-handed-off", nil, asUser("u2"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("handoff by claimant status %d, want 403: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/mark-handed-off", nil, asUser("u1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("handoff status %d: %s", res.StatusCode, string(data))
	}
	var transfer TransferResponse
	if err := json.Unmarshal(data, &transfer); err != nil {
		t.Fatalf("unmarshal transfer: %v", err)
	}
	if transfer.Status != "pending" {
		t.Fatalf("transfer status = %q, want pending", transfer.Status)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/confirm-received", nil, asUser("u2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm-received status %d: %s", res.StatusCode, string(data))
	}
	got := decodeBook(t, data)
	if got.FreeToGoodHome {
		t.Fatal("book still listed free after transfer")
	}
	if got.LibraryID == book.LibraryID {
		t.Fatal("book did not change library")
	}
	if got.TransferStatus != "completed" {
		t.Fatalf("transfer status = %q, want completed", got.TransferStatus)
	}

	// The new owner controls the book now.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/toggle-free", map[string]any{
		"free_to_good_home": true,
		"delivery_method":   "mail",
	}, asUser("u2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("relist status %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/books", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401: %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Code != "not_authenticated" {
		t.Fatalf("error code = %q, want not_authenticated", apiErr.Code)
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d, want 200", res.StatusCode)
	}
}

func TestDevLoginIssuesUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"user_id": "jwt-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("dev login returned no token")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/books", map[string]any{
		"title": "Bearer Book",
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add book with JWT status %d: %s", res.StatusCode, string(data))
	}
	book := decodeBook(t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/books/"+book.ID, nil, map[string]string{
		"Authorization": "Bearer garbage.token.here",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d, want 401: %s", res.StatusCode, string(data))
	}
}

func TestErrorCodes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/books/nope", nil, asUser("u1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404: %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", apiErr.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/books", map[string]any{
		"author": "anonymous",
	}, asUser("u1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400: %s", res.StatusCode, string(data))
	}

	book := addBook(t, srv, "owner", "Locked")
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v1/books/"+book.ID+"/claim", nil, asUser("u2"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("claim unlisted status %d, want 400: %s", res.StatusCode, string(data))
	}
	if apiErr := decodeError(t, data); apiErr.Code != "not_free" {
		t.Fatalf("error code = %q, want not_free", apiErr.Code)
	}
}

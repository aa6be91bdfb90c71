package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"bookring/internal/domain"
	"bookring/internal/engine"
	"bookring/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"book already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"claimed_by\":\"u2\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bookring API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bookring API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLibraries(group, cfg.Engine)
	registerBooks(group, cfg.Engine)
	registerLending(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var notOwner engine.NotOwnerError
	if errors.As(err, &notOwner) {
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), nil)
	}
	var notBorrower engine.NotBorrowerError
	if errors.As(err, &notBorrower) {
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), nil)
	}
	var notClaimant engine.NotClaimantError
	if errors.As(err, &notClaimant) {
		return newAPIError(http.StatusForbidden, "not_authorized", err.Error(), nil)
	}
	var claimed engine.AlreadyClaimedError
	if errors.As(err, &claimed) {
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), map[string]any{
			"claimed_by": claimed.ClaimedBy,
			"expires_at": claimed.ExpiresAt,
		})
	}
	var processed engine.AlreadyProcessedError
	if errors.As(err, &processed) {
		return newAPIError(http.StatusConflict, "already_processed", err.Error(), nil)
	}
	var pendingTransfer engine.TransferPendingError
	if errors.As(err, &pendingTransfer) {
		return newAPIError(http.StatusConflict, "transfer_pending", err.Error(), map[string]any{
			"transfer_id": pendingTransfer.TransferID,
		})
	}
	var dup engine.DuplicateRequestError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusBadRequest, "duplicate_request", err.Error(), nil)
	}
	var selfClaim engine.SelfClaimError
	if errors.As(err, &selfClaim) {
		return newAPIError(http.StatusBadRequest, "self_claim", err.Error(), nil)
	}
	var notFree engine.NotFreeError
	if errors.As(err, &notFree) {
		return newAPIError(http.StatusBadRequest, "not_free", err.Error(), nil)
	}
	var expired engine.ClaimExpiredError
	if errors.As(err, &expired) {
		return newAPIError(http.StatusBadRequest, "expired", err.Error(), nil)
	}
	var noTransfer engine.NoTransferPendingError
	if errors.As(err, &noTransfer) {
		return newAPIError(http.StatusBadRequest, "no_transfer_pending", err.Error(), nil)
	}
	var badState engine.InvalidStateError
	if errors.As(err, &badState) {
		return newAPIError(http.StatusBadRequest, "invalid_state", err.Error(), map[string]any{
			"lending_state": badState.State,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "not_authenticated"
	case http.StatusForbidden:
		return "not_authorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	devLoginPath := path.Join("/", basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bookring API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLibraries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-library",
		Method:        http.MethodPost,
		Path:          "/libraries",
		Summary:       "Create or fetch the caller's library",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateLibraryRequest `json:"body"`
	}) (*struct {
		Body LibraryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lib, err := e.EnsureLibrary(ctx, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LibraryResponse `json:"body"`
		}{Body: libraryResponse(lib)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-my-library",
		Method:      http.MethodGet,
		Path:        "/libraries/mine",
		Summary:     "Get the caller's library",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body LibraryResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lib, err := e.Repo.GetLibraryByOwner(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LibraryResponse `json:"body"`
		}{Body: libraryResponse(lib)}, nil
	})
}

func registerBooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-book",
		Method:        http.MethodPost,
		Path:          "/books",
		Summary:       "Add a book to the caller's library",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBookRequest `json:"body"`
	}) (*struct {
		Body BookResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		book, err := e.AddBook(ctx, userID, input.Body.Title, input.Body.Author)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BookResponse `json:"body"`
		}{Body: bookResponse(book)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-books",
		Method:      http.MethodGet,
		Path:        "/books",
		Summary:     "List books",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		LibraryID string `query:"library_id"`
		State     string `query:"state" enum:",available,requested,borrowed,return_pending"`
		Free      bool   `query:"free"`
		Mine      bool   `query:"mine"`
	}) (*struct {
		Body []BookResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Free {
			books, err := e.FreeBooks(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body []BookResponse `json:"body"`
			}{Body: mapBooks(books)}, nil
		}
		f := repo.BookFilters{LibraryID: input.LibraryID, LendingState: input.State}
		if input.Mine {
			lib, err := e.Repo.GetLibraryByOwner(ctx, userID)
			if err != nil {
				return nil, handleError(err)
			}
			f.LibraryID = lib.ID
		}
		books, err := e.ListBooks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BookResponse `json:"body"`
		}{Body: mapBooks(books)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-book",
		Method:      http.MethodGet,
		Path:        "/books/{book_id}",
		Summary:     "Get a book with open requests and any pending transfer",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BookID string `path:"book_id"`
	}) (*struct {
		Body BookDetailResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		view, err := e.GetBookView(ctx, input.BookID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BookDetailResponse `json:"body"`
		}{Body: bookDetailResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-book",
		Method:      http.MethodDelete,
		Path:        "/books/{book_id}",
		Summary:     "Remove an idle book",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		BookID string `path:"book_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveBook(ctx, input.BookID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "book-history",
		Method:      http.MethodGet,
		Path:        "/books/{book_id}/history",
		Summary:     "Audit trail for a book, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BookID string `path:"book_id"`
		Limit  int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		events, err := e.History(ctx, input.BookID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerLending(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-borrow-request",
		Method:        http.MethodPost,
		Path:          "/borrow-requests",
		Summary:       "Request to borrow a book",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBorrowRequest `json:"body"`
	}) (*struct {
		Body BorrowRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.BookID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "book_id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RequestBorrow(ctx, input.Body.BookID, userID, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BorrowRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-borrow-request",
		Method:      http.MethodPut,
		Path:        "/borrow-requests/{request_id}",
		Summary:     "Approve or decline a borrow request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string               `path:"request_id"`
		Body      RespondBorrowRequest `json:"body"`
	}) (*struct {
		Body BorrowRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var approve bool
		switch input.Body.Action {
		case "approve":
			approve = true
		case "decline":
			approve = false
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action must be approve or decline", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.RespondToRequest(ctx, input.RequestID, userID, approve)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BorrowRequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-borrow-requests",
		Method:      http.MethodGet,
		Path:        "/borrow-requests",
		Summary:     "List borrow requests by book, borrower or status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		BookID string `query:"book_id"`
		Status string `query:"status" enum:",pending,approved,declined"`
		Mine   bool   `query:"mine"`
	}) (*struct {
		Body []BorrowRequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.RequestFilters{BookID: input.BookID, Status: input.Status}
		if input.Mine {
			f.BorrowerID = userID
		}
		items, err := e.ListRequests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BorrowRequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	registerBookAction(api, "return-book", "/books/{book_id}/return",
		"Borrower signals the book is on its way back", e.InitiateReturn)
	registerBookAction(api, "cancel-return", "/books/{book_id}/cancel-return",
		"Borrower cancels an in-flight return", e.CancelReturn)
	registerBookAction(api, "confirm-return", "/books/{book_id}/confirm-return",
		"Owner confirms the book came back", e.ConfirmReturn)

	huma.Register(api, huma.Operation{
		OperationID: "list-my-loans",
		Method:      http.MethodGet,
		Path:        "/loans/mine",
		Summary:     "Books the caller currently borrows",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BookResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		books, err := e.Loans(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BookResponse `json:"body"`
		}{Body: mapBooks(books)}, nil
	})
}

// registerBookAction wires the PUT /books/{id}/<verb> endpoints that share
// one shape: authenticated caller, book id in the path, book back out.
func registerBookAction(api huma.API, opID, route, summary string, fn func(context.Context, string, string) (domain.Book, error)) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPut,
		Path:        route,
		Summary:     summary,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BookID string `path:"book_id"`
	}) (*struct {
		Body BookResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		book, err := fn(ctx, input.BookID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BookResponse `json:"body"`
		}{Body: bookResponse(book)}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "toggle-free",
		Method:      http.MethodPut,
		Path:        "/books/{book_id}/toggle-free",
		Summary:     "Mark or unmark a book free to good home",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BookID string            `path:"book_id"`
		Body   ToggleFreeRequest `json:"body"`
	}) (*struct {
		Body BookResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		book, err := e.SetFreeStatus(ctx, input.BookID, userID, input.Body.FreeToGoodHome, input.Body.DeliveryMethod)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BookResponse `json:"body"`
		}{Body: bookResponse(book)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-book",
		Method:      http.MethodPut,
		Path:        "/books/{book_id}/claim",
		Summary:     "Place the exclusive hold on a free book",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BookID string `path:"book_id"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		book, err := e.ClaimBook(ctx, input.BookID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := ClaimResponse{BookID: book.ID, DeliveryMethod: book.DeliveryMethod}
		if book.ClaimedAt != nil {
			out.ClaimedAt = *book.ClaimedAt
		}
		if book.ClaimExpiresAt != nil {
			out.ExpiresAt = *book.ClaimExpiresAt
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: out}, nil
	})

	registerBookAction(api, "release-claim", "/books/{book_id}/release-claim",
		"Claimant gives the hold back early", e.ReleaseClaim)

	huma.Register(api, huma.Operation{
		OperationID: "mark-handed-off",
		Method:      http.MethodPut,
		Path:        "/books/{book_id}/mark-handed-off",
		Summary:     "Owner records the book left their possession",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BookID string `path:"book_id"`
	}) (*struct {
		Body TransferResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.MarkHandedOff(ctx, input.BookID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransferResponse `json:"body"`
		}{Body: transferResponse(t)}, nil
	})

	registerBookAction(api, "confirm-received", "/books/{book_id}/confirm-received",
		"Claimant confirms the book arrived; ownership moves", e.ConfirmReceived)

	huma.Register(api, huma.Operation{
		OperationID: "list-transfers",
		Method:      http.MethodGet,
		Path:        "/books/{book_id}/transfers",
		Summary:     "Handoff records for a book, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BookID string `path:"book_id"`
		Limit  int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []TransferResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := e.Transfers(ctx, input.BookID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TransferResponse, 0, len(items))
		for _, t := range items {
			out = append(out, transferResponse(t))
		}
		return &struct {
			Body []TransferResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-requests",
		Method:      http.MethodGet,
		Path:        "/requests/pending",
		Summary:     "Borrow requests awaiting the caller's answer",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BorrowRequestResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRequests(ctx, repo.RequestFilters{OwnerID: userID, Status: "pending"})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BorrowRequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/claims",
		Summary:     "The caller's books under an active claim",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BookResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.GetInbox(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BookResponse `json:"body"`
		}{Body: mapBooks(in.ClaimedBooks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/inbox",
		Summary:     "Everything waiting on the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InboxResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.GetInbox(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InboxResponse `json:"body"`
		}{Body: inboxResponse(in)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log tail, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		BookID string `query:"book_id"`
		Limit  int    `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		events, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:   input.Type,
			BookID: input.BookID,
			Limit:  limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, userID string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

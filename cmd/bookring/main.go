package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bookring/internal/config"
	"bookring/internal/db"
	"bookring/internal/domain"
	"bookring/internal/engine"
	"bookring/internal/migrate"
	"bookring/internal/repo"
	"bookring/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bookring",
	Short: "Bookring CLI",
	Long: `Bookring runs a peer-to-peer lending circle for personal book collections.
- Workspace: your .bookring directory holding only the database; config lives in the DB and is imported explicitly.
- Library: one per user, created on first use; it owns your books.
- Lending: a book moves available -> requested -> borrowed -> return_pending -> available; owners approve or decline, borrowers start and cancel returns.
- Free to good home: list a book for giving away; a claim holds it exclusively for 48 hours, then handoff and confirmation move it into the claimant's library.
- Event log: diary of every change, view with 'bookring log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOOKRING")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(libraryCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(loanCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func libraryCmd() *cobra.Command {
	lib := &cobra.Command{Use: "library", Short: "Manage your library"}
	lib.AddCommand(libraryCreateCmd())
	lib.AddCommand(libraryShowCmd())
	return lib
}

func libraryCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create (or fetch) your library",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lib, err := e.EnsureLibrary(ctx, viper.GetString("user-id"), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(lib)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "library name")
	return cmd
}

func libraryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show your library",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				lib, err := r.GetLibraryByOwner(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(lib)
			})
		},
	}
	return cmd
}

func bookCmd() *cobra.Command {
	book := &cobra.Command{
		Use:   "book",
		Short: "Manage books",
		Long:  "Books live in your library. Lending moves them available -> requested -> borrowed -> return_pending; 'book free' lists one for giving away, 'book claim' holds it, 'book handoff' and 'book received' move it to its new home.",
	}
	book.AddCommand(bookAddCmd())
	book.AddCommand(bookListCmd())
	book.AddCommand(bookShowCmd())
	book.AddCommand(bookRemoveCmd())
	book.AddCommand(bookFreeCmd())
	book.AddCommand(bookClaimCmd())
	book.AddCommand(bookReleaseCmd())
	book.AddCommand(bookHandoffCmd())
	book.AddCommand(bookReceivedCmd())
	return book
}

func bookAddCmd() *cobra.Command {
	var title, author string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to your library",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.AddBook(ctx, viper.GetString("user-id"), title, author)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "book title")
	cmd.Flags().StringVar(&author, "author", "", "book author")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func bookListCmd() *cobra.Command {
	var f repo.BookFilters
	var mine bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List books",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if mine {
					lib, err := e.Repo.GetLibraryByOwner(ctx, viper.GetString("user-id"))
					if err != nil {
						return err
					}
					f.LibraryID = lib.ID
				}
				var books []domain.Book
				var err error
				if f.FreeOnly {
					books, err = e.FreeBooks(ctx)
				} else {
					books, err = e.ListBooks(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(books)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Borrower", "Free", "Claimed By"})
				for _, b := range books {
					borrower := ""
					if b.BorrowerID != nil {
						borrower = *b.BorrowerID
					}
					claimant := ""
					if b.ClaimedByUserID != nil {
						claimant = *b.ClaimedByUserID
					}
					tw.AppendRow(table.Row{b.ID, b.Title, b.LendingState, borrower, b.FreeToGoodHome, claimant})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.LibraryID, "library", "", "library id filter")
	cmd.Flags().StringVar(&f.LendingState, "state", "", "lending state filter")
	cmd.Flags().BoolVar(&f.FreeOnly, "free", false, "only free-to-good-home books open to claim")
	cmd.Flags().BoolVar(&mine, "mine", false, "only your own books")
	return cmd
}

func bookShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <book-id>",
		Short: "Show a book with its open requests and transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetBookView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func bookRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <book-id>",
		Short: "Remove an idle book from your library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveBook(ctx, args[0], viper.GetString("user-id"))
			})
		},
	}
	return cmd
}

func bookFreeCmd() *cobra.Command {
	var off bool
	var delivery string
	cmd := &cobra.Command{
		Use:   "free <book-id>",
		Short: "Mark a book free to good home (or unmark with --off)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SetFreeStatus(ctx, args[0], viper.GetString("user-id"), !off, delivery)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "take the book off the free list")
	cmd.Flags().StringVar(&delivery, "delivery", "pickup", "delivery method (pickup, mail, both)")
	return cmd
}

func bookClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <book-id>",
		Short: "Place the exclusive hold on a free book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ClaimBook(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bookReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <book-id>",
		Short: "Give a claim back early",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ReleaseClaim(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bookHandoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff <book-id>",
		Short: "Record that the book left your possession",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.MarkHandedOff(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func bookReceivedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "received <book-id>",
		Short: "Confirm the claimed book arrived; it joins your library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.ConfirmReceived(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				fmt.Printf("%q is now yours.\n", b.Title)
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage borrow requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestDeclineCmd())
	req.AddCommand(requestListCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "create <book-id>",
		Short: "Ask to borrow a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				br, err := e.RequestBorrow(ctx, args[0], viper.GetString("user-id"), message)
				if err != nil {
					return err
				}
				return printJSONOrTable(br)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "note to the owner")
	return cmd
}

func requestApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <request-id>",
		Short: "Approve a borrow request; the book checks out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return respondRequest(cmd.Context(), args[0], true)
		},
	}
	return cmd
}

func requestDeclineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decline <request-id>",
		Short: "Decline a borrow request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return respondRequest(cmd.Context(), args[0], false)
		},
	}
	return cmd
}

func respondRequest(ctx context.Context, requestID string, approve bool) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		br, err := e.RespondToRequest(ctx, requestID, viper.GetString("user-id"), approve)
		if err != nil {
			return err
		}
		return printJSONOrTable(br)
	})
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	var pending bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List borrow requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if pending {
					f.OwnerID = viper.GetString("user-id")
					f.Status = domain.RequestPending
				}
				items, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Book", "Borrower", "Status", "Requested"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.BookID, r.BorrowerID, r.Status, r.RequestedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BookID, "book", "", "book id filter")
	cmd.Flags().StringVar(&f.BorrowerID, "borrower", "", "borrower filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&pending, "pending", false, "requests waiting on you")
	return cmd
}

func loanCmd() *cobra.Command {
	loan := &cobra.Command{Use: "loan", Short: "Manage active loans"}
	loan.AddCommand(loanReturnCmd())
	loan.AddCommand(loanCancelReturnCmd())
	loan.AddCommand(loanConfirmReturnCmd())
	loan.AddCommand(loanListCmd())
	return loan
}

func loanReturnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "return <book-id>",
		Short: "Signal a borrowed book is on its way back",
		Args:  cobra.ExactArgs(1),
		RunE:  bookActionRunE(func(e engine.Engine) bookAction { return e.InitiateReturn }),
	}
	return cmd
}

func loanCancelReturnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel-return <book-id>",
		Short: "Cancel an in-flight return",
		Args:  cobra.ExactArgs(1),
		RunE:  bookActionRunE(func(e engine.Engine) bookAction { return e.CancelReturn }),
	}
	return cmd
}

func loanConfirmReturnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm-return <book-id>",
		Short: "Owner confirms the book came back",
		Args:  cobra.ExactArgs(1),
		RunE:  bookActionRunE(func(e engine.Engine) bookAction { return e.ConfirmReturn }),
	}
	return cmd
}

type bookAction func(context.Context, string, string) (domain.Book, error)

func bookActionRunE(pick func(engine.Engine) bookAction) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
			b, err := pick(e)(ctx, args[0], viper.GetString("user-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(b)
		})
	}
}

func loanListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Books you currently borrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				books, err := e.Loans(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(books)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Due"})
				for _, b := range books {
					due := ""
					if b.DueDate != nil {
						due = *b.DueDate
					}
					tw.AppendRow(table.Row{b.ID, b.Title, b.LendingState, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertSettings(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, bookID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, repo.EventFilters{Type: evtType, BookID: bookID, Limit: n})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&bookID, "book", "", "book id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyRevokeCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret prints once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			secret := "brk_" + hex.EncodeToString(raw)
			key := domain.APIKey{
				ID:      uuid.New().String(),
				UserID:  viper.GetString("user-id"),
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key created. Store it now, it is not retrievable later:\n%s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(cmd.Context(), workspace, repo.Repo{DB: conn})
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:             os.Getenv("BOOKRING_JWT_SECRET"),
				AllowLegacyUserHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("BOOKRING_JWT_SECRET is required for bearer auth (or pass --allow-legacy-user-header)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bookring API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-user-header", false, "accept X-User-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func resolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetSettings(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(ctx, workspace, repo.Repo{DB: conn})
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookring/internal/config"
	"bookring/internal/db"
	"bookring/internal/domain"
	"bookring/internal/engine"
	"bookring/internal/migrate"
	"bookring/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	// Serialize writes at the pool level so concurrent tests exercise the
	// SQL guards, not driver lock contention.
	conn.SetMaxOpenConns(1)
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default())
	eng.Now = env.Now
	env.Engine = eng
	return env
}

func (env *testEnv) Now() time.Time {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.now
}

func (env *testEnv) Advance(d time.Duration) {
	env.mu.Lock()
	env.now = env.now.Add(d)
	env.mu.Unlock()
}

func (env *testEnv) addBook(t *testing.T, ownerID, title string) domain.Book {
	t.Helper()
	b, err := env.Engine.AddBook(env.Ctx, ownerID, title, "")
	require.NoError(t, err)
	return b
}

func (env *testEnv) freeBook(t *testing.T, ownerID, title, delivery string) domain.Book {
	t.Helper()
	b := env.addBook(t, ownerID, title)
	b, err := env.Engine.SetFreeStatus(env.Ctx, b.ID, ownerID, true, delivery)
	require.NoError(t, err)
	return b
}

func TestEnsureLibraryIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.EnsureLibrary(env.Ctx, "u1", "shelf")
	require.NoError(t, err)
	second, err := env.Engine.EnsureLibrary(env.Ctx, "u1", "other name")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "shelf", second.Name)
}

func TestLendingRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Dune")

	br, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "please")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, br.Status)

	got, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LendingRequested, got.LendingState)

	br, err = env.Engine.RespondToRequest(env.Ctx, br.ID, "owner", true)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, br.Status)

	got, err = env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LendingBorrowed, got.LendingState)
	require.NotNil(t, got.BorrowerID)
	assert.Equal(t, "borrower", *got.BorrowerID)
	require.NotNil(t, got.DueDate)
	wantDue := env.Now().Add(14 * 24 * time.Hour).Format(time.RFC3339)
	assert.Equal(t, wantDue, *got.DueDate)

	_, err = env.Engine.InitiateReturn(env.Ctx, book.ID, "borrower")
	require.NoError(t, err)
	got, err = env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LendingReturnPending, got.LendingState)

	got, err = env.Engine.ConfirmReturn(env.Ctx, book.ID, "owner")
	require.NoError(t, err)

	// Back to exactly the pre-request state.
	assert.Equal(t, domain.LendingAvailable, got.LendingState)
	assert.Nil(t, got.BorrowerID)
	assert.Nil(t, got.DueDate)
	assert.Nil(t, got.CheckedOutAt)
	assert.Nil(t, got.ReturnRequestedAt)

	// Exactly one closed history row.
	episodes, err := env.Engine.ListRequests(env.Ctx, repo.RequestFilters{BookID: book.ID})
	require.NoError(t, err)
	require.Len(t, episodes, 1)
	assert.Equal(t, domain.RequestApproved, episodes[0].Status)
	require.NotNil(t, episodes[0].CheckedInAt)
}

func TestCancelReturnRevertsToBorrowed(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Hyperion")
	br, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)
	_, err = env.Engine.RespondToRequest(env.Ctx, br.ID, "owner", true)
	require.NoError(t, err)
	_, err = env.Engine.InitiateReturn(env.Ctx, book.ID, "borrower")
	require.NoError(t, err)

	got, err := env.Engine.CancelReturn(env.Ctx, book.ID, "borrower")
	require.NoError(t, err)
	assert.Equal(t, domain.LendingBorrowed, got.LendingState)
	assert.Nil(t, got.ReturnRequestedAt)
}

func TestDeclineRestoresAvailable(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Solaris")
	br, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)

	got, err := env.Engine.RespondToRequest(env.Ctx, br.ID, "owner", false)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestDeclined, got.Status)

	b, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LendingAvailable, b.LendingState)
}

func TestApproveClosesCompetingRequests(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Contact")
	first, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "alice", "")
	require.NoError(t, err)
	second, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "bob", "")
	require.NoError(t, err)

	_, err = env.Engine.RespondToRequest(env.Ctx, first.ID, "owner", true)
	require.NoError(t, err)

	got, err := env.Engine.Repo.GetRequest(env.Ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestDeclined, got.Status)

	// The loser's request is settled, so approving it now must fail.
	_, err = env.Engine.RespondToRequest(env.Ctx, second.ID, "owner", true)
	var processed engine.AlreadyProcessedError
	require.ErrorAs(t, err, &processed)
}

func TestDeclineKeepsRequestedWhileOthersPending(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Foundation")
	first, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "alice", "")
	require.NoError(t, err)
	_, err = env.Engine.RequestBorrow(env.Ctx, book.ID, "bob", "")
	require.NoError(t, err)

	_, err = env.Engine.RespondToRequest(env.Ctx, first.ID, "owner", false)
	require.NoError(t, err)

	b, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LendingRequested, b.LendingState)
}

func TestDuplicateRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Ubik")
	_, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)

	_, err = env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "again")
	var dup engine.DuplicateRequestError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, book.ID, dup.BookID)

	// The schema backs the precondition: a second pending row for the same
	// borrower and book is rejected even when inserted directly, so racing
	// requests cannot both commit.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	err = env.Engine.Repo.InsertRequest(env.Ctx, tx, domain.BorrowRequest{
		ID:          "race-loser",
		BookID:      book.ID,
		OwnerID:     "owner",
		BorrowerID:  "borrower",
		Status:      domain.RequestPending,
		RequestedAt: env.Now().UTC().Format(time.RFC3339),
	})
	require.ErrorIs(t, err, repo.ErrDuplicate)
}

func TestSettledRequestDoesNotBlockNewOne(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Ubik")
	br, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)
	_, err = env.Engine.RespondToRequest(env.Ctx, br.ID, "owner", false)
	require.NoError(t, err)

	// Only open requests count toward the one-per-borrower rule.
	_, err = env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "second try")
	require.NoError(t, err)
}

func TestOwnerCannotBorrowOwnBook(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Neuromancer")
	_, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "owner", "")
	var invalid engine.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestAuthorizationLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Blindsight")
	br, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)

	// A stranger cannot answer the request.
	_, err = env.Engine.RespondToRequest(env.Ctx, br.ID, "stranger", true)
	var notOwner engine.NotOwnerError
	require.ErrorAs(t, err, &notOwner)

	_, err = env.Engine.RespondToRequest(env.Ctx, br.ID, "owner", true)
	require.NoError(t, err)
	before, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)

	// Only the borrower can start a return.
	_, err = env.Engine.InitiateReturn(env.Ctx, book.ID, "stranger")
	var notBorrower engine.NotBorrowerError
	require.ErrorAs(t, err, &notBorrower)

	_, err = env.Engine.InitiateReturn(env.Ctx, book.ID, "borrower")
	require.NoError(t, err)

	// Only the owner can confirm the return.
	_, err = env.Engine.ConfirmReturn(env.Ctx, book.ID, "borrower")
	require.ErrorAs(t, err, &notOwner)
	_, err = env.Engine.ConfirmReturn(env.Ctx, book.ID, "stranger")
	require.ErrorAs(t, err, &notOwner)

	after, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LendingReturnPending, after.LendingState)
	assert.Equal(t, before.BorrowerID, after.BorrowerID)
	assert.Equal(t, before.DueDate, after.DueDate)
}

func TestClaimMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "owner", "The Dispossessed", domain.DeliveryPickup)

	type result struct {
		user string
		err  error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := env.Engine.ClaimBook(env.Ctx, book.ID, user)
			results <- result{user: user, err: err}
		}(user)
	}
	wg.Wait()
	close(results)

	var winner string
	var losses int
	for res := range results {
		if res.err == nil {
			require.Empty(t, winner, "both claims succeeded")
			winner = res.user
			continue
		}
		losses++
		var claimed engine.AlreadyClaimedError
		require.ErrorAs(t, res.err, &claimed)
		assert.NotEqual(t, res.user, claimed.ClaimedBy)
	}
	require.NotEmpty(t, winner, "no claim succeeded")
	assert.Equal(t, 1, losses)

	got, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimedByUserID)
	assert.Equal(t, winner, *got.ClaimedByUserID)
}

func TestClaimExpiryIsSelfHealing(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "owner", "Roadside Picnic", domain.DeliveryMail)

	_, err := env.Engine.ClaimBook(env.Ctx, book.ID, "alice")
	require.NoError(t, err)

	// Inside the hold the claim is exclusive.
	_, err = env.Engine.ClaimBook(env.Ctx, book.ID, "bob")
	var claimed engine.AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, "alice", claimed.ClaimedBy)
	assert.Equal(t, env.Now().Add(48*time.Hour).Format(time.RFC3339), claimed.ExpiresAt)

	// Past the hold the stale claim is silently overwritten.
	env.Advance(48*time.Hour + time.Minute)
	got, err := env.Engine.ClaimBook(env.Ctx, book.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, got.ClaimedByUserID)
	assert.Equal(t, "bob", *got.ClaimedByUserID)
	assert.Equal(t, env.Now().Add(48*time.Hour).Format(time.RFC3339), *got.ClaimExpiresAt)
}

func TestClaimGuards(t *testing.T) {
	env := newTestEnv(t)
	plain := env.addBook(t, "owner", "Not Free")
	_, err := env.Engine.ClaimBook(env.Ctx, plain.ID, "alice")
	var notFree engine.NotFreeError
	require.ErrorAs(t, err, &notFree)

	free := env.freeBook(t, "owner", "Free One", domain.DeliveryPickup)
	_, err = env.Engine.ClaimBook(env.Ctx, free.ID, "owner")
	var self engine.SelfClaimError
	require.ErrorAs(t, err, &self)
}

func TestReleaseClaim(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "owner", "Anathem", domain.DeliveryBoth)
	_, err := env.Engine.ClaimBook(env.Ctx, book.ID, "alice")
	require.NoError(t, err)

	_, err = env.Engine.ReleaseClaim(env.Ctx, book.ID, "bob")
	var notClaimant engine.NotClaimantError
	require.ErrorAs(t, err, &notClaimant)

	got, err := env.Engine.ReleaseClaim(env.Ctx, book.ID, "alice")
	require.NoError(t, err)
	assert.Nil(t, got.ClaimedByUserID)
	assert.True(t, got.FreeToGoodHome, "book stays listed after a release")

	// A lapsed hold needs no release.
	_, err = env.Engine.ClaimBook(env.Ctx, book.ID, "alice")
	require.NoError(t, err)
	env.Advance(49 * time.Hour)
	_, err = env.Engine.ReleaseClaim(env.Ctx, book.ID, "alice")
	var expired engine.ClaimExpiredError
	require.ErrorAs(t, err, &expired)
}

func TestTransferLifecycle(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "u1", "The Left Hand of Darkness", domain.DeliveryPickup)
	_, err := env.Engine.ClaimBook(env.Ctx, book.ID, "u2")
	require.NoError(t, err)

	transfer, err := env.Engine.MarkHandedOff(env.Ctx, book.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, transfer.Status)
	assert.Equal(t, book.LibraryID, transfer.FromLibraryID)

	// Claiming or re-listing is blocked while the handoff is in flight.
	_, err = env.Engine.ClaimBook(env.Ctx, book.ID, "u3")
	var inFlight engine.TransferPendingError
	require.ErrorAs(t, err, &inFlight)
	_, err = env.Engine.SetFreeStatus(env.Ctx, book.ID, "u1", false, "")
	require.ErrorAs(t, err, &inFlight)
	_, err = env.Engine.MarkHandedOff(env.Ctx, book.ID, "u1")
	require.ErrorAs(t, err, &inFlight)

	got, err := env.Engine.ConfirmReceived(env.Ctx, book.ID, "u2")
	require.NoError(t, err)

	u2Lib, err := env.Engine.Repo.GetLibraryByOwner(env.Ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, u2Lib.ID, got.LibraryID)
	assert.False(t, got.FreeToGoodHome)
	assert.Nil(t, got.ClaimedByUserID)
	assert.Equal(t, domain.TransferCompleted, got.TransferStatus)

	rows, err := env.Engine.Transfers(env.Ctx, book.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.TransferCompleted, rows[0].Status)
	require.NotNil(t, rows[0].CompletedAt)

	// The new owner can list it again; the cycle restarts cleanly.
	relisted, err := env.Engine.SetFreeStatus(env.Ctx, book.ID, "u2", true, domain.DeliveryMail)
	require.NoError(t, err)
	assert.True(t, relisted.FreeToGoodHome)
	assert.Equal(t, domain.TransferNone, relisted.TransferStatus)
}

func TestReleaseBlockedDuringHandoff(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "u1", "Piranesi", domain.DeliveryPickup)
	_, err := env.Engine.ClaimBook(env.Ctx, book.ID, "u2")
	require.NoError(t, err)
	transfer, err := env.Engine.MarkHandedOff(env.Ctx, book.ID, "u1")
	require.NoError(t, err)

	// The claim backs the pending handoff; the claimant cannot walk away.
	_, err = env.Engine.ReleaseClaim(env.Ctx, book.ID, "u2")
	var inFlight engine.TransferPendingError
	require.ErrorAs(t, err, &inFlight)
	assert.Equal(t, transfer.ID, inFlight.TransferID)

	got, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimedByUserID)
	assert.Equal(t, "u2", *got.ClaimedByUserID)
	assert.Equal(t, domain.TransferPending, got.TransferStatus)

	// The transfer can still complete.
	_, err = env.Engine.ConfirmReceived(env.Ctx, book.ID, "u2")
	require.NoError(t, err)
}

func TestHandoffRequiresActiveClaim(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "owner", "Ringworld", domain.DeliveryPickup)

	_, err := env.Engine.MarkHandedOff(env.Ctx, book.ID, "owner")
	var invalid engine.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	_, err = env.Engine.ClaimBook(env.Ctx, book.ID, "alice")
	require.NoError(t, err)
	env.Advance(50 * time.Hour)
	_, err = env.Engine.MarkHandedOff(env.Ctx, book.ID, "owner")
	var expired engine.ClaimExpiredError
	require.ErrorAs(t, err, &expired)
}

func TestConfirmReceivedRequiresHandoff(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "owner", "Ancillary Justice", domain.DeliveryPickup)
	_, err := env.Engine.ClaimBook(env.Ctx, book.ID, "alice")
	require.NoError(t, err)

	_, err = env.Engine.ConfirmReceived(env.Ctx, book.ID, "alice")
	var noTransfer engine.NoTransferPendingError
	require.ErrorAs(t, err, &noTransfer)

	_, err = env.Engine.ConfirmReceived(env.Ctx, book.ID, "bob")
	var notClaimant engine.NotClaimantError
	require.ErrorAs(t, err, &notClaimant)
}

func TestToggleFreeClearsClaims(t *testing.T) {
	env := newTestEnv(t)
	book := env.freeBook(t, "owner", "Snow Crash", domain.DeliveryPickup)
	_, err := env.Engine.ClaimBook(env.Ctx, book.ID, "alice")
	require.NoError(t, err)

	got, err := env.Engine.SetFreeStatus(env.Ctx, book.ID, "owner", false, "")
	require.NoError(t, err)
	assert.False(t, got.FreeToGoodHome)
	assert.Nil(t, got.ClaimedByUserID)
	assert.Nil(t, got.ClaimExpiresAt)

	got, err = env.Engine.SetFreeStatus(env.Ctx, book.ID, "owner", true, domain.DeliveryMail)
	require.NoError(t, err)
	assert.True(t, got.FreeToGoodHome)
	assert.Nil(t, got.ClaimedByUserID, "claim state does not survive a toggle")
	assert.Equal(t, domain.DeliveryMail, got.DeliveryMethod)
}

func TestLendingAndFreePipelinesExclude(t *testing.T) {
	env := newTestEnv(t)

	free := env.freeBook(t, "owner", "Giveaway", domain.DeliveryPickup)
	_, err := env.Engine.RequestBorrow(env.Ctx, free.ID, "borrower", "")
	var invalid engine.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	lent := env.addBook(t, "owner", "Lent Out")
	br, err := env.Engine.RequestBorrow(env.Ctx, lent.ID, "borrower", "")
	require.NoError(t, err)
	_, err = env.Engine.SetFreeStatus(env.Ctx, lent.ID, "owner", true, domain.DeliveryPickup)
	require.ErrorAs(t, err, &invalid)
	_, err = env.Engine.RespondToRequest(env.Ctx, br.ID, "owner", true)
	require.NoError(t, err)
	_, err = env.Engine.SetFreeStatus(env.Ctx, lent.ID, "owner", true, domain.DeliveryPickup)
	require.ErrorAs(t, err, &invalid)
}

func TestRemoveBookOnlyWhenIdle(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Keep Me")
	_, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)

	err = env.Engine.RemoveBook(env.Ctx, book.ID, "owner")
	var invalid engine.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	idle := env.addBook(t, "owner", "Goodbye")
	require.NoError(t, env.Engine.RemoveBook(env.Ctx, idle.ID, "owner"))
	_, err = env.Engine.Repo.GetBook(env.Ctx, idle.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInboxSurfacesPendingWork(t *testing.T) {
	env := newTestEnv(t)
	lending := env.addBook(t, "owner", "Asked For")
	_, err := env.Engine.RequestBorrow(env.Ctx, lending.ID, "borrower", "")
	require.NoError(t, err)

	free := env.freeBook(t, "owner", "Claimed One", domain.DeliveryPickup)
	_, err = env.Engine.ClaimBook(env.Ctx, free.ID, "claimant")
	require.NoError(t, err)

	inbox, err := env.Engine.GetInbox(env.Ctx, "owner")
	require.NoError(t, err)
	require.Len(t, inbox.PendingRequests, 1)
	assert.Equal(t, lending.ID, inbox.PendingRequests[0].BookID)
	require.Len(t, inbox.ClaimedBooks, 1)
	assert.Equal(t, free.ID, inbox.ClaimedBooks[0].ID)

	// An expired claim drops out of the alert list without any sweeper.
	env.Advance(49 * time.Hour)
	inbox, err = env.Engine.GetInbox(env.Ctx, "owner")
	require.NoError(t, err)
	assert.Empty(t, inbox.ClaimedBooks)
}

func TestFreeBooksHidesHeldAndInFlight(t *testing.T) {
	env := newTestEnv(t)
	open := env.freeBook(t, "owner", "Open", domain.DeliveryPickup)
	held := env.freeBook(t, "owner", "Held", domain.DeliveryPickup)
	_, err := env.Engine.ClaimBook(env.Ctx, held.ID, "alice")
	require.NoError(t, err)

	books, err := env.Engine.FreeBooks(env.Ctx)
	require.NoError(t, err)
	require.Len(t, books, 1)
	assert.Equal(t, open.ID, books[0].ID)

	// The held listing reopens once the claim lapses.
	env.Advance(49 * time.Hour)
	books, err = env.Engine.FreeBooks(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, books, 2)
}

func TestHistoryRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Chronicle")
	br, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)
	_, err = env.Engine.RespondToRequest(env.Ctx, br.ID, "owner", true)
	require.NoError(t, err)
	_, err = env.Engine.InitiateReturn(env.Ctx, book.ID, "borrower")
	require.NoError(t, err)
	_, err = env.Engine.ConfirmReturn(env.Ctx, book.ID, "owner")
	require.NoError(t, err)

	events, err := env.Engine.History(env.Ctx, book.ID, 10)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{"book.returned", "book.return_initiated", "request.approved", "book.requested"}, types)
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "owner", "Timepiece")
	env.Advance(3 * time.Hour)
	_, err := env.Engine.RequestBorrow(env.Ctx, book.ID, "borrower", "")
	require.NoError(t, err)

	events, err := env.Engine.History(env.Ctx, book.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	// Audit rows and the transitions they record share one clock.
	assert.Equal(t, env.Now().UTC().Format(time.RFC3339), events[0].TS)

	got, err := env.Engine.Repo.GetBook(env.Ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, events[0].TS, got.UpdatedAt)
}

// Concrete end-to-end run of the free-to-good-home protocol.
func TestFreeToGoodHomeScenario(t *testing.T) {
	env := newTestEnv(t)
	book := env.addBook(t, "u1", "X")

	book, err := env.Engine.SetFreeStatus(env.Ctx, book.ID, "u1", true, domain.DeliveryPickup)
	require.NoError(t, err)
	assert.True(t, book.FreeToGoodHome)
	assert.Nil(t, book.ClaimedByUserID)

	// T=0: U2 claims; hold runs 48h.
	claimStart := env.Now()
	book, err = env.Engine.ClaimBook(env.Ctx, book.ID, "u2")
	require.NoError(t, err)
	require.NotNil(t, book.ClaimExpiresAt)
	assert.Equal(t, claimStart.Add(48*time.Hour).Format(time.RFC3339), *book.ClaimExpiresAt)

	// T=1h: U3 is rejected with the winner's identity.
	env.Advance(time.Hour)
	_, err = env.Engine.ClaimBook(env.Ctx, book.ID, "u3")
	var claimed engine.AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, "u2", claimed.ClaimedBy)
	assert.Equal(t, claimStart.Add(48*time.Hour).Format(time.RFC3339), claimed.ExpiresAt)

	// T=2h: U1 hands the book off.
	env.Advance(time.Hour)
	transfer, err := env.Engine.MarkHandedOff(env.Ctx, book.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, transfer.Status)

	// T=3h: U2 confirms receipt; ownership moves.
	env.Advance(time.Hour)
	book, err = env.Engine.ConfirmReceived(env.Ctx, book.ID, "u2")
	require.NoError(t, err)
	u2Lib, err := env.Engine.Repo.GetLibraryByOwner(env.Ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, u2Lib.ID, book.LibraryID)
	assert.False(t, book.FreeToGoodHome)
	assert.Equal(t, domain.TransferCompleted, book.TransferStatus)

	final, err := env.Engine.Repo.GetTransfer(env.Ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, final.Status)
}

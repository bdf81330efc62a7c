package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/metrics"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/fitjourney/subscriptions/internal/tiers"
)

type memStore struct {
	mu      sync.Mutex
	users   map[string]*registry.User // by email
	pending map[string]*registry.PendingActivation
	writes  int
	failOn  string
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]*registry.User),
		pending: make(map[string]*registry.PendingActivation),
	}
}

var errStoreDown = errors.New("connection refused")

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return errStoreDown
	}
	return nil
}

func (m *memStore) addUser(email string) *registry.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &registry.User{ID: uuid.NewString(), Email: email, Status: registry.StatusNone}
	m.users[email] = u
	return u
}

func (m *memStore) FindUserByEmail(_ context.Context, email string) (*registry.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("find_user"); err != nil {
		return nil, err
	}
	u, ok := m.users[registry.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) UpdateSubscription(_ context.Context, userID string, sub registry.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("update_subscription"); err != nil {
		return err
	}
	for _, u := range m.users {
		if u.ID != userID {
			continue
		}
		start, end := sub.PeriodStart, sub.PeriodEnd
		u.Tier, u.Status, u.SaleRef = sub.Tier, sub.Status, sub.SaleRef
		u.PeriodStart, u.PeriodEnd = &start, &end
		m.writes++
		return nil
	}
	return internalerrors.ErrNotFound
}

func (m *memStore) UpsertPendingActivation(_ context.Context, p *registry.PendingActivation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("upsert_pending"); err != nil {
		return err
	}
	cp := *p
	if existing, ok := m.pending[p.Email]; ok {
		cp.ID = existing.ID
	} else if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Activated, cp.ActivatedAt = false, nil
	m.pending[p.Email] = &cp
	p.ID = cp.ID
	m.writes++
	return nil
}

func (m *memStore) FindUnresolvedPending(_ context.Context, email string) (*registry.PendingActivation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("find_pending"); err != nil {
		return nil, err
	}
	p, ok := m.pending[registry.NormalizeEmail(email)]
	if !ok || p.Activated {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetPending(_ context.Context, id string) (*registry.PendingActivation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) MarkPendingActivated(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		if p.ID == id {
			p.Activated = true
			p.ActivatedAt = &at
			m.writes++
			return nil
		}
	}
	return internalerrors.ErrNotFound
}

func (m *memStore) ListPending(_ context.Context, includeActivated bool) ([]*registry.PendingActivation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("list_pending"); err != nil {
		return nil, err
	}
	var out []*registry.PendingActivation
	for _, p := range m.pending {
		if p.Activated && !includeActivated {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) user(email string) registry.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[email]
}

func (m *memStore) pendingFor(email string) *registry.PendingActivation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[email]
}

type fakeNotifier struct {
	calls []*registry.PendingActivation
	err   error
}

func (f *fakeNotifier) NotifyPending(_ context.Context, p *registry.PendingActivation) error {
	f.calls = append(f.calls, p)
	return f.err
}

var testNow = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

func newTestReconciler(store Store, opts ...Option) *Reconciler {
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(store, nil, opts...)
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func TestHandlePurchase_UnregisteredBuyerGetsPending(t *testing.T) {
	store := newMemStore()
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, WithNotifier(notifier))

	res, err := r.HandlePurchase(context.Background(), PurchaseEvent{
		Provider:     "payhip",
		SaleID:       "sale_1",
		Email:        "a@x.com",
		AmountMinor:  9999,
		VariantLabel: "Pro Plan",
		Status:       "paid",
		Raw:          json.RawMessage(`{"sale_id":"sale_1"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusPending, Tier: tiers.Pro, Email: "a@x.com"}, res)

	p := store.pendingFor("a@x.com")
	require.NotNil(t, p)
	assert.Equal(t, tiers.Pro, p.Tier)
	assert.False(t, p.Activated)
	assert.Equal(t, testNow, p.PeriodStart)
	assert.Equal(t, testNow.Add(days(180)), p.PeriodEnd)
	assert.Equal(t, "sale_1", p.SaleRef)
	assert.Equal(t, "payhip", p.Provider)
	assert.JSONEq(t, `{"sale_id":"sale_1"}`, string(p.RawPayload))

	require.Len(t, notifier.calls, 1)
	assert.Equal(t, "a@x.com", notifier.calls[0].Email)
}

func TestHandlePurchase_ZeroAmountCouponIsBasic(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)

	res, err := r.HandlePurchase(context.Background(), PurchaseEvent{Email: "b@x.com", AmountMinor: 0, Status: "paid"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, tiers.Basic, res.Tier)

	p := store.pendingFor("b@x.com")
	require.NotNil(t, p)
	assert.Equal(t, testNow.Add(days(30)), p.PeriodEnd)
}

func TestHandlePurchase_RegisteredUserActivated(t *testing.T) {
	store := newMemStore()
	u := store.addUser("member@x.com")
	r := newTestReconciler(store)

	res, err := r.HandlePurchase(context.Background(), PurchaseEvent{
		Email: "  Member@X.com ", AmountMinor: 100, VariantLabel: "ELITE yearly", Status: "PAID", SaleID: "ord_7",
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusActivated, Tier: tiers.Elite, Email: "member@x.com"}, res)

	got := store.user("member@x.com")
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, tiers.Elite, got.Tier)
	assert.Equal(t, registry.StatusActive, got.Status)
	require.NotNil(t, got.PeriodEnd)
	assert.Equal(t, testNow.Add(days(365)), *got.PeriodEnd)
	assert.Equal(t, "ord_7", got.SaleRef)
	assert.Nil(t, store.pendingFor("member@x.com"), "registered buyers never get a pending record")
}

func TestHandlePurchase_NonPaidWritesNothing(t *testing.T) {
	store := newMemStore()
	store.addUser("member@x.com")
	r := newTestReconciler(store)

	for _, status := range []string{"refunded", "pending", "failed", ""} {
		for _, email := range []string{"member@x.com", "stranger@x.com"} {
			res, err := r.HandlePurchase(context.Background(), PurchaseEvent{
				Email: email, AmountMinor: 20000, VariantLabel: "Elite", Status: status,
			})
			require.NoError(t, err)
			assert.Equal(t, StatusSkipped, res.Status)
			assert.Equal(t, email, res.Email)
		}
	}

	assert.Zero(t, store.writes)
	assert.Equal(t, registry.StatusNone, store.user("member@x.com").Status)
	assert.Nil(t, store.pendingFor("stranger@x.com"))
}

func TestHandlePurchase_MissingEmailIsValidationError(t *testing.T) {
	r := newTestReconciler(newMemStore())

	_, err := r.HandlePurchase(context.Background(), PurchaseEvent{Email: "   ", Status: "paid"})
	require.Error(t, err)
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)
	assert.False(t, internalerrors.IsRetryableError(err))
}

func TestHandlePurchase_PendingIdempotent(t *testing.T) {
	store := newMemStore()
	notifier := &fakeNotifier{}
	r := newTestReconciler(store, WithNotifier(notifier))
	ctx := context.Background()

	ev := PurchaseEvent{Email: "twice@x.com", AmountMinor: 5000, Status: "paid", SaleID: "s1", Provider: "lemonsqueezy"}
	_, err := r.HandlePurchase(ctx, ev)
	require.NoError(t, err)
	first := *store.pendingFor("twice@x.com")

	_, err = r.HandlePurchase(ctx, ev)
	require.NoError(t, err)

	store.mu.Lock()
	count := len(store.pending)
	store.mu.Unlock()
	assert.Equal(t, 1, count)

	second := store.pendingFor("twice@x.com")
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Tier, second.Tier)
	assert.Equal(t, first.PeriodEnd, second.PeriodEnd)
	assert.Len(t, notifier.calls, 1, "redelivery should not send a second email")
}

func TestHandlePurchase_LatestPendingWins(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.HandlePurchase(ctx, PurchaseEvent{Email: "c@x.com", VariantLabel: "Basic", Status: "paid", SaleID: "s1"})
	require.NoError(t, err)
	_, err = r.HandlePurchase(ctx, PurchaseEvent{Email: "c@x.com", VariantLabel: "Elite", Status: "paid", SaleID: "s2"})
	require.NoError(t, err)

	p := store.pendingFor("c@x.com")
	assert.Equal(t, tiers.Elite, p.Tier)
	assert.Equal(t, "s2", p.SaleRef)
	assert.Equal(t, testNow.Add(days(365)), p.PeriodEnd)
}

func TestHandlePurchase_RegisteredIdempotent(t *testing.T) {
	store := newMemStore()
	store.addUser("same@x.com")
	clock := testNow
	r := New(store, nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	ev := PurchaseEvent{Email: "same@x.com", VariantLabel: "Pro", Status: "paid", SaleID: "ord_1"}
	_, err := r.HandlePurchase(ctx, ev)
	require.NoError(t, err)
	once := store.user("same@x.com")

	clock = clock.Add(2 * time.Hour)
	res, err := r.HandlePurchase(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, StatusActivated, res.Status)
	assert.Equal(t, tiers.Pro, res.Tier)

	twice := store.user("same@x.com")
	assert.Equal(t, once.Tier, twice.Tier)
	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, *once.PeriodStart, *twice.PeriodStart)
	assert.Equal(t, *once.PeriodEnd, *twice.PeriodEnd)
	assert.Equal(t, once.SaleRef, twice.SaleRef)
}

func TestHandlePurchase_RedeliveryWithoutSaleID(t *testing.T) {
	store := newMemStore()
	store.addUser("noid@x.com")
	clock := testNow
	r := New(store, nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	ev := PurchaseEvent{
		Provider: "payhip", Email: "noid@x.com", AmountMinor: 1000, ProductLabel: "FitJourney", Status: "paid",
		Raw: json.RawMessage(`{"buyer_email":"noid@x.com","amount":"10.00","product_name":"FitJourney"}`),
	}
	_, err := r.HandlePurchase(ctx, ev)
	require.NoError(t, err)
	once := store.user("noid@x.com")
	assert.Equal(t, ev.Reference(), once.SaleRef)
	assert.Contains(t, once.SaleRef, "derived:")

	clock = clock.Add(time.Hour)
	_, err = r.HandlePurchase(ctx, ev)
	require.NoError(t, err)

	twice := store.user("noid@x.com")
	assert.Equal(t, *once.PeriodEnd, *twice.PeriodEnd, "redelivery must not restart the period")
	assert.Equal(t, 1, store.writes)

	// A different payload is a new purchase.
	other := ev
	other.Raw = json.RawMessage(`{"buyer_email":"noid@x.com","amount":"10.00","product_name":"FitJourney","date":"later"}`)
	_, err = r.HandlePurchase(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, clock.Add(days(365)), *store.user("noid@x.com").PeriodEnd)
}

func TestPurchaseEventReference(t *testing.T) {
	ev := PurchaseEvent{Provider: "payhip", Email: "A@x.com", AmountMinor: 500, ProductLabel: "FitJourney"}
	assert.Equal(t, "S-1", PurchaseEvent{SaleID: " S-1 "}.Reference())

	ref := ev.Reference()
	lower := ev
	lower.Email = "a@x.com"
	assert.Equal(t, ref, lower.Reference(), "email is normalized")

	pricier := ev
	pricier.AmountMinor = 800
	assert.NotEqual(t, ref, pricier.Reference())

	otherProvider := ev
	otherProvider.Provider = "lemonsqueezy"
	assert.NotEqual(t, ref, otherProvider.Reference())
}

func TestHandlePurchase_PayhipPriceThresholds(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)

	res, err := r.HandlePurchase(context.Background(), PurchaseEvent{
		Provider: "payhip", SaleID: "ph_1", Email: "ten@x.com", AmountMinor: 1000, ProductLabel: "FitJourney", Status: "paid",
	})
	require.NoError(t, err)
	assert.Equal(t, tiers.Elite, res.Tier)
	assert.Equal(t, testNow.Add(days(365)), store.pendingFor("ten@x.com").PeriodEnd)

	res, err = r.HandlePurchase(context.Background(), PurchaseEvent{
		Provider: "lemonsqueezy", SaleID: "ls_1", Email: "ten-ls@x.com", AmountMinor: 1000, ProductLabel: "FitJourney", Status: "paid",
	})
	require.NoError(t, err)
	assert.Equal(t, tiers.Basic, res.Tier)
}

func TestHandlePurchase_ConsumesPendingLeftBySignupRace(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.HandlePurchase(ctx, PurchaseEvent{Email: "race@x.com", VariantLabel: "Pro", Status: "paid", SaleID: "s1"})
	require.NoError(t, err)
	// The account appeared without picking up the pending record.
	store.addUser("race@x.com")

	_, err = r.HandlePurchase(ctx, PurchaseEvent{Email: "race@x.com", VariantLabel: "Elite", Status: "paid", SaleID: "s2"})
	require.NoError(t, err)

	assert.Equal(t, tiers.Elite, store.user("race@x.com").Tier)
	p := store.pendingFor("race@x.com")
	assert.True(t, p.Activated)
	require.NotNil(t, p.ActivatedAt)
}

func TestResolveOrphanedPending(t *testing.T) {
	store := newMemStore()
	clock := testNow
	r := New(store, nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	for _, ev := range []PurchaseEvent{
		{Email: "orphan@x.com", VariantLabel: "Pro", Status: "paid", SaleID: "o1"},
		{Email: "waiting@x.com", VariantLabel: "Elite", Status: "paid", SaleID: "w1"},
		{Email: "newer@x.com", VariantLabel: "Elite", Status: "paid", SaleID: "n1"},
	} {
		_, err := r.HandlePurchase(ctx, ev)
		require.NoError(t, err)
	}
	store.addUser("orphan@x.com")
	newer := store.addUser("newer@x.com")
	clock = clock.Add(days(2))
	require.NoError(t, store.UpdateSubscription(ctx, newer.ID, registry.Subscription{
		Tier: tiers.Basic, Status: registry.StatusActive, PeriodStart: clock, PeriodEnd: clock.Add(days(30)), SaleRef: "n2",
	}))

	n, err := r.ResolveOrphanedPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	orphan := store.user("orphan@x.com")
	assert.Equal(t, tiers.Pro, orphan.Tier)
	assert.Equal(t, registry.StatusActive, orphan.Status)
	assert.Equal(t, testNow.Add(days(180)), *orphan.PeriodEnd)
	assert.True(t, store.pendingFor("orphan@x.com").Activated)

	kept := store.user("newer@x.com")
	assert.Equal(t, tiers.Basic, kept.Tier, "an older pending record does not overwrite a newer subscription")
	assert.Equal(t, "n2", kept.SaleRef)
	assert.True(t, store.pendingFor("newer@x.com").Activated)

	assert.False(t, store.pendingFor("waiting@x.com").Activated, "no account yet")

	n, err = r.ResolveOrphanedPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolveOrphanedPending_StoreFailure(t *testing.T) {
	store := newMemStore()
	store.failOn = "list_pending"
	_, err := newTestReconciler(store).ResolveOrphanedPending(context.Background())
	require.Error(t, err)
	assert.True(t, internalerrors.IsRetryableError(err))
}

func TestHandlePurchase_NewSaleReplacesSubscription(t *testing.T) {
	store := newMemStore()
	store.addUser("renew@x.com")
	clock := testNow
	r := New(store, nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := r.HandlePurchase(ctx, PurchaseEvent{Email: "renew@x.com", VariantLabel: "Elite", Status: "paid", SaleID: "a"})
	require.NoError(t, err)

	clock = clock.Add(days(10))
	_, err = r.HandlePurchase(ctx, PurchaseEvent{Email: "renew@x.com", VariantLabel: "Basic", Status: "paid", SaleID: "b"})
	require.NoError(t, err)

	got := store.user("renew@x.com")
	assert.Equal(t, tiers.Basic, got.Tier)
	assert.Equal(t, clock.Add(days(30)), *got.PeriodEnd)
	assert.Equal(t, "b", got.SaleRef)
}

func TestHandlePurchase_StoreFailuresAreRetryable(t *testing.T) {
	for _, op := range []string{"find_user", "upsert_pending", "find_pending"} {
		t.Run(op, func(t *testing.T) {
			store := newMemStore()
			store.failOn = op
			r := newTestReconciler(store)

			_, err := r.HandlePurchase(context.Background(), PurchaseEvent{Email: "x@x.com", Status: "paid", SaleID: "s"})
			require.Error(t, err)
			assert.True(t, internalerrors.IsRetryableError(err))
			assert.ErrorIs(t, err, errStoreDown)
		})
	}

	store := newMemStore()
	store.addUser("x@x.com")
	store.failOn = "update_subscription"
	_, err := newTestReconciler(store).HandlePurchase(context.Background(), PurchaseEvent{Email: "x@x.com", Status: "paid"})
	require.Error(t, err)
	assert.Equal(t, internalerrors.ErrorTypeTransient, internalerrors.TypeOf(err))
}

func TestHandlePurchase_NotifierFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store, WithNotifier(&fakeNotifier{err: errors.New("smtp down")}))

	res, err := r.HandlePurchase(context.Background(), PurchaseEvent{Email: "n@x.com", Status: "paid"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
}

func TestHandlePurchase_RecordsOutcomeMetric(t *testing.T) {
	r := newTestReconciler(newMemStore())
	before := testutil.ToFloat64(metrics.ReconcileOutcomes.WithLabelValues("skipped"))

	_, err := r.HandlePurchase(context.Background(), PurchaseEvent{Email: "m@x.com", Status: "refunded"})
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReconcileOutcomes.WithLabelValues("skipped")))
}

func TestApplyPending_SignupAfterPurchase(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.HandlePurchase(ctx, PurchaseEvent{Email: "a@x.com", AmountMinor: 9999, VariantLabel: "Pro Plan", Status: "paid", SaleID: "s9"})
	require.NoError(t, err)
	pending := *store.pendingFor("a@x.com")

	u := store.addUser("a@x.com")
	applied, err := r.ApplyPending(ctx, u)
	require.NoError(t, err)
	assert.True(t, applied)

	got := store.user("a@x.com")
	assert.Equal(t, tiers.Pro, got.Tier)
	assert.Equal(t, registry.StatusActive, got.Status)
	assert.Equal(t, pending.PeriodStart, *got.PeriodStart)
	assert.Equal(t, pending.PeriodEnd, *got.PeriodEnd)
	assert.Equal(t, "s9", got.SaleRef)

	assert.Equal(t, tiers.Pro, u.Tier, "caller's user is updated in place")
	assert.Equal(t, registry.StatusActive, u.Status)

	p := store.pendingFor("a@x.com")
	assert.True(t, p.Activated)
	require.NotNil(t, p.ActivatedAt)
	assert.Equal(t, testNow, *p.ActivatedAt)

	applied, err = r.ApplyPending(ctx, u)
	require.NoError(t, err)
	assert.False(t, applied, "a consumed record is not applied twice")
}

func TestApplyPending_NoRecordLeavesAccountAlone(t *testing.T) {
	store := newMemStore()
	u := store.addUser("fresh@x.com")
	r := newTestReconciler(store)

	applied, err := r.ApplyPending(context.Background(), u)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, registry.StatusNone, store.user("fresh@x.com").Status)
	assert.Zero(t, store.writes)
}

func TestApplyPending_StalePeriodAppliedAsExpired(t *testing.T) {
	store := newMemStore()
	clock := testNow
	r := New(store, nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := r.HandlePurchase(ctx, PurchaseEvent{Email: "late@x.com", VariantLabel: "Basic", Status: "paid"})
	require.NoError(t, err)

	clock = clock.Add(days(31))
	u := store.addUser("late@x.com")
	applied, err := r.ApplyPending(ctx, u)
	require.NoError(t, err)
	assert.True(t, applied)

	got := store.user("late@x.com")
	assert.Equal(t, registry.StatusExpired, got.Status)
	assert.Equal(t, tiers.Basic, got.Tier)
}

func TestApplyPending_RequiresUser(t *testing.T) {
	r := newTestReconciler(newMemStore())
	_, err := r.ApplyPending(context.Background(), nil)
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)
}

func TestActivatePending(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.HandlePurchase(ctx, PurchaseEvent{Email: "admin@x.com", VariantLabel: "Basic", Status: "paid", SaleID: "s1"})
	require.NoError(t, err)
	id := store.pendingFor("admin@x.com").ID

	_, err = r.ActivatePending(ctx, id, "")
	assert.ErrorIs(t, err, internalerrors.ErrConflict, "no account yet")

	store.addUser("admin@x.com")

	_, err = r.ActivatePending(ctx, id, "platinum")
	assert.ErrorIs(t, err, internalerrors.ErrInvalidInput)

	u, err := r.ActivatePending(ctx, id, "elite_12")
	require.NoError(t, err)
	assert.Equal(t, tiers.Elite, u.Tier)
	assert.Equal(t, testNow.Add(days(365)), *u.PeriodEnd)
	assert.Equal(t, "s1", u.SaleRef)
	assert.True(t, store.pendingFor("admin@x.com").Activated)

	_, err = r.ActivatePending(ctx, id, "")
	assert.ErrorIs(t, err, internalerrors.ErrConflict, "already applied")

	_, err = r.ActivatePending(ctx, "missing", "")
	assert.ErrorIs(t, err, internalerrors.ErrNotFound)
}

func TestActivatePending_KeepsRecordedPeriod(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(store)
	ctx := context.Background()

	_, err := r.HandlePurchase(ctx, PurchaseEvent{Email: "keep@x.com", AmountMinor: 5000, Status: "paid"})
	require.NoError(t, err)
	p := store.pendingFor("keep@x.com")
	store.addUser("keep@x.com")

	u, err := r.ActivatePending(ctx, p.ID, "  ")
	require.NoError(t, err)
	assert.Equal(t, tiers.Pro, u.Tier)
	assert.Equal(t, p.PeriodEnd, *u.PeriodEnd)
	assert.Equal(t, registry.StatusActive, u.Status)
}

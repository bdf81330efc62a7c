// Package reconcile applies verified purchases to user accounts. A purchase
// for an email with no account is parked as a pending activation and applied
// when that account is created.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	internalerrors "github.com/fitjourney/subscriptions/internal/errors"
	"github.com/fitjourney/subscriptions/internal/logging"
	"github.com/fitjourney/subscriptions/internal/metrics"
	"github.com/fitjourney/subscriptions/internal/registry"
	"github.com/fitjourney/subscriptions/internal/tiers"
)

// PaymentStatusPaid is the only payment status that grants a subscription.
const PaymentStatusPaid = "paid"

// PurchaseEvent is a provider notification normalized by a webhook adapter.
type PurchaseEvent struct {
	Provider     string
	SaleID       string
	Email        string
	AmountMinor  int64 // cents
	Currency     string
	VariantLabel string
	ProductLabel string
	Status       string
	Raw          json.RawMessage
}

// IsPaid reports whether the event represents a completed payment.
func (e PurchaseEvent) IsPaid() bool {
	return strings.EqualFold(strings.TrimSpace(e.Status), PaymentStatusPaid)
}

// Reference identifies the sale for redelivery checks. It is the provider's
// sale ID when there is one. Otherwise it is derived from the raw payload,
// or from the normalized fields when no payload was kept, so an identical
// redelivery maps to the same reference.
func (e PurchaseEvent) Reference() string {
	if id := strings.TrimSpace(e.SaleID); id != "" {
		return id
	}
	h := sha256.New()
	h.Write([]byte(strings.ToLower(e.Provider)))
	h.Write([]byte{0})
	if len(e.Raw) > 0 {
		h.Write(e.Raw)
	} else {
		fmt.Fprintf(h, "%s|%d|%s|%s|%s",
			registry.NormalizeEmail(e.Email), e.AmountMinor, strings.ToUpper(e.Currency), e.VariantLabel, e.ProductLabel)
	}
	return derivedRefPrefix + hex.EncodeToString(h.Sum(nil))[:24]
}

const derivedRefPrefix = "derived:"

// ResultStatus is the outcome of handling one purchase.
type ResultStatus string

const (
	StatusActivated ResultStatus = "activated"
	StatusPending   ResultStatus = "pending"
	StatusSkipped   ResultStatus = "skipped"
)

// Result reports what HandlePurchase did.
type Result struct {
	Status ResultStatus `json:"status"`
	Tier   tiers.Tier   `json:"tier,omitempty"`
	Email  string       `json:"email"`
}

// Store is the subset of the registry the reconciler needs.
type Store interface {
	FindUserByEmail(ctx context.Context, email string) (*registry.User, error)
	UpdateSubscription(ctx context.Context, userID string, sub registry.Subscription) error
	UpsertPendingActivation(ctx context.Context, p *registry.PendingActivation) error
	FindUnresolvedPending(ctx context.Context, email string) (*registry.PendingActivation, error)
	GetPending(ctx context.Context, id string) (*registry.PendingActivation, error)
	MarkPendingActivated(ctx context.Context, id string, at time.Time) error
	ListPending(ctx context.Context, includeActivated bool) ([]*registry.PendingActivation, error)
}

// Notifier is told about purchases parked for a future signup.
type Notifier interface {
	NotifyPending(ctx context.Context, p *registry.PendingActivation) error
}

// Reconciler matches purchases to accounts. It holds no per-event state and
// is safe for concurrent use.
type Reconciler struct {
	store    Store
	resolver *tiers.Resolver
	notifier Notifier
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithNotifier sets the notifier used for pending activations.
func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// New creates a reconciler. A nil resolver uses the default plan table.
func New(store Store, resolver *tiers.Resolver, opts ...Option) *Reconciler {
	if resolver == nil {
		resolver = tiers.MustDefaultResolver()
	}
	r := &Reconciler{store: store, resolver: resolver, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolver returns the tier resolver in use.
func (r *Reconciler) Resolver() *tiers.Resolver {
	return r.resolver
}

// HandlePurchase applies a verified purchase. Paid purchases for a known
// account overwrite its subscription; purchases for unknown emails are
// upserted as pending activations. Non-paid events are skipped without any
// write.
func (r *Reconciler) HandlePurchase(ctx context.Context, ev PurchaseEvent) (result Result, err error) {
	defer func() {
		outcome := string(result.Status)
		if err != nil {
			outcome = "error"
		}
		metrics.ReconcileOutcomes.WithLabelValues(outcome).Inc()
	}()

	ref := ev.Reference()
	logger := logging.FromContext(ctx).With().
		Str("provider", ev.Provider).
		Str("sale_id", ref).
		Logger()

	email := registry.NormalizeEmail(ev.Email)
	if email == "" {
		return Result{}, internalerrors.NewValidationError("handle_purchase", ev.SaleID, "purchase has no buyer email")
	}
	if !ev.IsPaid() {
		logger.Info().Str("email", email).Str("payment_status", ev.Status).Msg("Skipping unpaid purchase")
		return Result{Status: StatusSkipped, Email: email}, nil
	}

	res := r.resolver.ResolveFor(ev.Provider, ev.VariantLabel, ev.ProductLabel, ev.AmountMinor)
	now := r.now().UTC()
	sub := registry.Subscription{
		Tier:        res.Tier,
		Status:      registry.StatusActive,
		PeriodStart: now,
		PeriodEnd:   now.Add(res.Duration()),
		SaleRef:     ref,
	}

	user, err := r.store.FindUserByEmail(ctx, email)
	if err != nil {
		return Result{}, internalerrors.WrapStoreError("find_user", email, err)
	}

	if user != nil {
		if user.SaleRef == ref && user.HasActiveSubscription(now) {
			logger.Info().Str("email", email).Str("tier", string(user.Tier)).Msg("Purchase already applied, ignoring redelivery")
			return Result{Status: StatusActivated, Tier: user.Tier, Email: email}, nil
		}
		if err := r.store.UpdateSubscription(ctx, user.ID, sub); err != nil {
			return Result{}, internalerrors.WrapStoreError("update_subscription", email, err)
		}
		logger.Info().
			Str("email", email).
			Str("user_id", user.ID).
			Str("tier", string(res.Tier)).
			Str("matched_by", string(res.MatchedBy)).
			Time("period_end", sub.PeriodEnd).
			Msg("Subscription activated")
		r.consumeSupersededPending(ctx, email, now)
		return Result{Status: StatusActivated, Tier: res.Tier, Email: email}, nil
	}

	existing, err := r.store.FindUnresolvedPending(ctx, email)
	if err != nil {
		return Result{}, internalerrors.WrapStoreError("find_pending", email, err)
	}
	redelivery := existing != nil && existing.SaleRef == ref

	pending := &registry.PendingActivation{
		Email:       email,
		Tier:        sub.Tier,
		PeriodStart: sub.PeriodStart,
		PeriodEnd:   sub.PeriodEnd,
		SaleRef:     ref,
		Provider:    ev.Provider,
		RawPayload:  ev.Raw,
		CreatedAt:   now,
	}
	if err := r.store.UpsertPendingActivation(ctx, pending); err != nil {
		return Result{}, internalerrors.WrapStoreError("upsert_pending", email, err)
	}
	logger.Info().
		Str("email", email).
		Str("tier", string(res.Tier)).
		Str("matched_by", string(res.MatchedBy)).
		Bool("redelivery", redelivery).
		Msg("No account for purchase, stored pending activation")

	if r.notifier != nil && !redelivery {
		if err := r.notifier.NotifyPending(ctx, pending); err != nil {
			logger.Warn().Err(err).Str("email", email).Msg("Failed to send pending activation email")
		}
	}
	return Result{Status: StatusPending, Tier: res.Tier, Email: email}, nil
}

// consumeSupersededPending marks an unresolved pending record for email as
// consumed once a purchase has been written straight to the account. Such a
// record is left behind when the account was created between the purchase
// being parked and the signup looking for it. Failures are only logged; the
// expiry sweep retries through ResolveOrphanedPending.
func (r *Reconciler) consumeSupersededPending(ctx context.Context, email string, now time.Time) {
	logger := logging.FromContext(ctx)
	p, err := r.store.FindUnresolvedPending(ctx, email)
	if err != nil {
		logger.Warn().Err(err).Str("email", email).Msg("Failed to look up pending activation after purchase")
		return
	}
	if p == nil {
		return
	}
	if err := r.store.MarkPendingActivated(ctx, p.ID, now); err != nil {
		logger.Warn().Err(err).Str("pending_id", p.ID).Msg("Failed to consume superseded pending activation")
		return
	}
	logger.Info().
		Str("email", email).
		Str("pending_id", p.ID).
		Str("sale_id", p.SaleRef).
		Msg("Pending activation superseded by newer purchase")
}

// ResolveOrphanedPending settles unresolved pending records whose email now
// has an account. That happens when a signup raced the purchase webhook or
// when applying the record at signup failed. A record older than the
// account's current period is only marked consumed; otherwise it is applied
// like ApplyPending would. It returns how many records were settled.
func (r *Reconciler) ResolveOrphanedPending(ctx context.Context) (int, error) {
	records, err := r.store.ListPending(ctx, false)
	if err != nil {
		return 0, internalerrors.WrapStoreError("list_pending", "", err)
	}
	logger := logging.FromContext(ctx)
	settled := 0
	for _, p := range records {
		if p.Activated {
			continue
		}
		user, err := r.store.FindUserByEmail(ctx, p.Email)
		if err != nil {
			return settled, internalerrors.WrapStoreError("find_user", p.Email, err)
		}
		if user == nil {
			continue
		}

		now := r.now().UTC()
		if user.PeriodStart != nil && user.PeriodStart.After(p.PeriodStart) {
			if err := r.store.MarkPendingActivated(ctx, p.ID, now); err != nil {
				return settled, internalerrors.WrapStoreError("mark_pending_activated", p.ID, err)
			}
			logger.Info().Str("email", p.Email).Str("pending_id", p.ID).Msg("Consumed pending activation older than current subscription")
			settled++
			continue
		}

		sub := subscriptionFromPending(p, now)
		if err := r.apply(ctx, user, p, sub, now); err != nil {
			return settled, err
		}
		logger.Info().
			Str("email", p.Email).
			Str("user_id", user.ID).
			Str("tier", string(sub.Tier)).
			Str("status", string(sub.Status)).
			Msg("Applied orphaned pending activation")
		settled++
	}
	return settled, nil
}

// ApplyPending copies an unresolved pending activation for user's email onto
// the account and marks it consumed. It reports whether a record was applied.
// user is updated in place. A pending period that has already ended is
// applied as expired.
func (r *Reconciler) ApplyPending(ctx context.Context, user *registry.User) (bool, error) {
	if user == nil || user.ID == "" {
		return false, internalerrors.NewValidationError("apply_pending", "", "user is required")
	}
	email := registry.NormalizeEmail(user.Email)
	p, err := r.store.FindUnresolvedPending(ctx, email)
	if err != nil {
		return false, internalerrors.WrapStoreError("find_pending", email, err)
	}
	if p == nil {
		return false, nil
	}

	now := r.now().UTC()
	sub := subscriptionFromPending(p, now)
	if err := r.apply(ctx, user, p, sub, now); err != nil {
		return false, err
	}
	logging.FromContext(ctx).Info().
		Str("email", email).
		Str("user_id", user.ID).
		Str("tier", string(sub.Tier)).
		Str("status", string(sub.Status)).
		Msg("Applied pending activation at signup")
	return true, nil
}

// ActivatePending applies pending record id to the account with the same
// email. A non-empty tierOverride replaces the recorded tier and starts a
// fresh period. It fails with a conflict when no account exists yet or the
// record was already consumed.
func (r *Reconciler) ActivatePending(ctx context.Context, id, tierOverride string) (*registry.User, error) {
	p, err := r.store.GetPending(ctx, id)
	if err != nil {
		return nil, internalerrors.WrapStoreError("get_pending", id, err)
	}
	if p == nil {
		return nil, internalerrors.NewNotFoundError("get_pending", id)
	}
	if p.Activated {
		return nil, internalerrors.NewConflictError("activate_pending", id, "pending activation already applied")
	}

	user, err := r.store.FindUserByEmail(ctx, p.Email)
	if err != nil {
		return nil, internalerrors.WrapStoreError("find_user", p.Email, err)
	}
	if user == nil {
		return nil, internalerrors.NewConflictError("activate_pending", p.Email, "no account exists for this email yet")
	}

	now := r.now().UTC()
	sub := subscriptionFromPending(p, now)
	if strings.TrimSpace(tierOverride) != "" {
		plan, ok := r.resolver.Lookup(tierOverride)
		if !ok {
			return nil, internalerrors.NewValidationError("activate_pending", id, "unknown tier "+strings.TrimSpace(tierOverride))
		}
		sub = registry.Subscription{
			Tier:        plan.Tier,
			Status:      registry.StatusActive,
			PeriodStart: now,
			PeriodEnd:   now.Add(plan.Duration()),
			SaleRef:     p.SaleRef,
		}
	}

	if err := r.apply(ctx, user, p, sub, now); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info().
		Str("email", p.Email).
		Str("user_id", user.ID).
		Str("tier", string(sub.Tier)).
		Str("pending_id", p.ID).
		Msg("Pending activation applied by admin")
	return user, nil
}

func (r *Reconciler) apply(ctx context.Context, user *registry.User, p *registry.PendingActivation, sub registry.Subscription, now time.Time) error {
	if err := r.store.UpdateSubscription(ctx, user.ID, sub); err != nil {
		return internalerrors.WrapStoreError("update_subscription", user.Email, err)
	}
	if err := r.store.MarkPendingActivated(ctx, p.ID, now); err != nil {
		return internalerrors.WrapStoreError("mark_pending_activated", p.ID, err)
	}
	metrics.PendingApplied.Inc()

	start, end := sub.PeriodStart, sub.PeriodEnd
	user.Tier = sub.Tier
	user.Status = sub.Status
	user.PeriodStart = &start
	user.PeriodEnd = &end
	user.SaleRef = sub.SaleRef
	return nil
}

func subscriptionFromPending(p *registry.PendingActivation, now time.Time) registry.Subscription {
	status := registry.StatusActive
	if !p.PeriodEnd.After(now) {
		status = registry.StatusExpired
	}
	return registry.Subscription{
		Tier:        p.Tier,
		Status:      status,
		PeriodStart: p.PeriodStart,
		PeriodEnd:   p.PeriodEnd,
		SaleRef:     p.SaleRef,
	}
}

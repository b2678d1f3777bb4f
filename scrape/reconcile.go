package scrape

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/visit-tracker/telemetry"
)

// Reconciler applies the end-of-cycle online/offline flip.
type Reconciler struct {
	store Store
}

// NewReconciler returns a reconciler writing through store.
func NewReconciler(store Store) *Reconciler { return &Reconciler{store: store} }

// Reconcile makes exactly the users in activeIDs online. With no active ids every online
// user is turned offline.
func (r *Reconciler) Reconcile(ctx context.Context, activeIDs []int64) (ReconcileResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "scrape", "scrape.reconcile", attribute.Int("active_ids", len(activeIDs)))
	defer span.End()

	res, err := r.store.Reconcile(ctx, activeIDs)
	if err != nil {
		err = storageErr("reconcile", err)
		telemetry.RecordError(span, err)
		return ReconcileResult{}, err
	}
	telemetry.Add(telemetry.UsersTurnedOnline, int(res.TurnedOnline))
	telemetry.Add(telemetry.UsersTurnedOffline, int(res.TurnedOffline))
	if telemetry.ActiveUsersGauge != nil {
		telemetry.ActiveUsersGauge.Set(float64(len(activeIDs)))
	}
	telemetry.SetSpanSuccess(span)
	telemetry.LoggerWithCorr(ctx).Info("online status reconciled",
		slog.String("component", "scrape_reconcile"),
		slog.Int("active", len(activeIDs)),
		slog.Int64("turned_online", res.TurnedOnline),
		slog.Int64("turned_offline", res.TurnedOffline))
	return res, nil
}

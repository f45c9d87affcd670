package orchestrator

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// Reconciler periodically writes each socket session's live status through
// the store so operator dashboards survive process restarts. It only ever
// records what the supervisor reports: a manually stopped session is written
// as disconnected, never restarted.
type Reconciler struct {
	wa     *WhatsappManager
	store  store.Store
	logger *slog.Logger
	cron   *cron.Cron
}

// NewReconciler creates the session-status reconciler.
func NewReconciler(wa *WhatsappManager, st store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		wa:     wa,
		store:  st,
		logger: logger.With("component", "reconciler"),
	}
}

// Start schedules the reconcile job once a minute.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc("@every 1m", r.reconcile); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Debug("session-status reconciler started")
	return nil
}

// Stop halts the schedule, letting a running job finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

// reconcile persists the current status of every known socket session.
func (r *Reconciler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	for _, status := range r.wa.Statuses() {
		err := r.store.UpdateChannelStatus(ctx, status.BotID,
			string(channels.FamilyWhatsApp), string(status.State))
		if err != nil {
			r.logger.Warn("failed to persist session status",
				"bot_id", status.BotID, "state", status.State, "error", err)
		}
	}
}

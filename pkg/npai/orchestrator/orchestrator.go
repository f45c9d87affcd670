package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
	"github.com/MutazGhazal/npai-backend/pkg/npai/crypto"
	"github.com/MutazGhazal/npai-backend/pkg/npai/store"
)

// storeWriteTimeout bounds fire-and-forget store writes.
const storeWriteTimeout = 10 * time.Second

// Orchestrator is the single long-lived object owning the channel
// supervisors, the message pipeline and the reconciler. The HTTP layer holds
// a reference to it; nothing here is package-level state.
type Orchestrator struct {
	Store     store.Store
	Pipeline  *Pipeline
	Bots      *BotManager
	WhatsApp  *WhatsappManager
	Messenger *MessengerManager

	reconciler *Reconciler
	logger     *slog.Logger
}

// New wires the orchestration core together. ctx is the process lifetime
// context: adapters started from short-lived HTTP requests attach to it.
func New(ctx context.Context, cfg *config.Config, st store.Store, gen Generator, cipher *crypto.Cipher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	pipeline := NewPipeline(st, gen, logger)
	wa := NewWhatsappManager(ctx, st, pipeline, cfg.WhatsApp, logger)

	return &Orchestrator{
		Store:      st,
		Pipeline:   pipeline,
		Bots:       NewBotManager(ctx, st, cipher, pipeline, logger),
		WhatsApp:   wa,
		Messenger:  NewMessengerManager(ctx, st, pipeline, cipher, cfg.Messenger, logger),
		reconciler: NewReconciler(wa, st, logger),
		logger:     logger.With("component", "orchestrator"),
	}
}

// Start launches the background jobs. Channel sessions start on demand.
func (o *Orchestrator) Start() error {
	return o.reconciler.Start()
}

// Shutdown stops the background jobs and every live channel session.
func (o *Orchestrator) Shutdown() {
	o.logger.Info("shutting down orchestrator")
	o.reconciler.Stop()
	o.Bots.StopAll()
	o.WhatsApp.Shutdown()
	o.Messenger.Shutdown()
}

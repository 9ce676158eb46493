package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"loom/pkg/schema"
	"loom/pkg/store"
)

// Tracker moves a template's stages through their states and persists every
// move before returning. It answers "is this stage done" for the run; whether
// an individual item is done is decided by the persisted records themselves.
type Tracker struct {
	mu         sync.Mutex
	store      store.Store
	templateID string
	status     schema.PipelineStatus
	log        *log.Logger
}

func NewTracker(st store.Store, tpl *schema.Template, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		store:      st,
		templateID: tpl.ID,
		status:     tpl.Status,
		log:        logger.With("template", tpl.ID),
	}
}

func (t *Tracker) Status() schema.PipelineStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) Done(stage schema.Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.Get(stage) == schema.Completed
}

func (t *Tracker) Begin(ctx context.Context, stage schema.Stage) error {
	return t.move(ctx, stage, schema.InProgress)
}

func (t *Tracker) Complete(ctx context.Context, stage schema.Stage) error {
	return t.move(ctx, stage, schema.Completed)
}

func (t *Tracker) Fail(ctx context.Context, stage schema.Stage, cause error) error {
	t.log.Error("stage failed", "stage", stage, "error", cause)
	return t.move(ctx, stage, schema.Failed)
}

func (t *Tracker) move(ctx context.Context, stage schema.Stage, next schema.StageStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := t.status
	if err := status.Set(stage, next); err != nil {
		return err
	}
	if err := t.store.UpdateTemplateStatus(ctx, t.templateID, status); err != nil {
		return fmt.Errorf("persist %s=%s: %w", stage, next, err)
	}
	t.status = status
	t.log.Debug("stage", "stage", stage, "status", next)
	return nil
}

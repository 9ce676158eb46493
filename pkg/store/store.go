// Package store persists works, chapters, templates and every pipeline
// record. Writes are visible to the next read; deleting a Work cascades.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"

	"loom/pkg/schema"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	CreateWork(ctx context.Context, w *schema.Work) error
	GetWork(ctx context.Context, id string) (*schema.Work, error)
	DeleteWork(ctx context.Context, id string) error

	CreateUnit(ctx context.Context, u *schema.SourceUnit) error
	// ListUnits returns the units of a work ordered by ordinal.
	ListUnits(ctx context.Context, workID string) ([]schema.SourceUnit, error)
	UpdateUnitSummary(ctx context.Context, id string, summary string) error

	CreateTemplate(ctx context.Context, t *schema.Template) error
	// GetTemplate returns the template with its archetype sets populated.
	GetTemplate(ctx context.Context, id string) (*schema.Template, error)
	ListTemplates(ctx context.Context, workID string) ([]schema.Template, error)
	UpdateTemplateStatus(ctx context.Context, id string, status schema.PipelineStatus) error

	CreateExtracted(ctx context.Context, entities []schema.ExtractedEntity) error
	// ListExtracted orders by chapter range start, then Seq.
	ListExtracted(ctx context.Context, templateID string, kind schema.Kind) ([]schema.ExtractedEntity, error)

	CreateConsolidated(ctx context.Context, entities []schema.ConsolidatedEntity) error
	ListConsolidated(ctx context.Context, templateID string) ([]schema.ConsolidatedEntity, error)

	CreateArchetype(ctx context.Context, a *schema.Archetype) error
	ListArchetypes(ctx context.Context, templateID string, kind schema.Kind) ([]schema.Archetype, error)

	CreateInstantiation(ctx context.Context, in *schema.Instantiation) error
	CreateGenerated(ctx context.Context, g *schema.GeneratedEntity) error
	GetInstantiation(ctx context.Context, id string) (*schema.Generated, error)
}

func newID() string { return ksuid.New().String() }

// Open builds a store from a `driver:dsn` spec:
//
//	memory:                 in-process only
//	memory:<snapshot.json>  in-process, persisted to a JSON snapshot
//	sqlite:<path>
//	postgres:<dsn>
func Open(spec string) (Store, error) {
	driver, dsn, _ := strings.Cut(spec, ":")
	switch driver {
	case "", "memory":
		return NewMemoryStore(dsn)
	case "sqlite", "postgres":
		return OpenGorm(driver, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"loom/pkg/schema"
)

type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to sqlite or postgres and migrates every table.
func OpenGorm(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(cmp.Or(dsn, "loom.db"))
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   newGormLogger(log.Default().WithPrefix("gorm")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	return NewGormStore(db)
}

// newGormLogger reports slow queries and errors through l.
func newGormLogger(l *log.Logger) gormLogger.Interface {
	return gormLogger.New(l, gormLogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormLogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	err := db.AutoMigrate(
		&schema.Work{},
		&schema.SourceUnit{},
		&schema.Template{},
		&schema.ExtractedEntity{},
		&schema.ConsolidatedEntity{},
		&schema.Archetype{},
		&schema.Instantiation{},
		&schema.GeneratedEntity{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

func affected(tx *gorm.DB, what, id string) error {
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) exists(ctx context.Context, model any, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateWork(ctx context.Context, w *schema.Work) error {
	w.ID = cmp.Or(w.ID, newID())
	return s.db.WithContext(ctx).Create(w).Error
}

func (s *GormStore) GetWork(ctx context.Context, id string) (*schema.Work, error) {
	var w schema.Work
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		return nil, notFound(err, "work", id)
	}
	return &w, nil
}

func (s *GormStore) DeleteWork(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := affected(tx.Where("id = ?", id).Delete(&schema.Work{}), "work", id); err != nil {
			return err
		}
		for _, model := range []any{
			&schema.SourceUnit{},
			&schema.Template{},
			&schema.ExtractedEntity{},
			&schema.ConsolidatedEntity{},
			&schema.Archetype{},
			&schema.Instantiation{},
			&schema.GeneratedEntity{},
		} {
			if err := tx.Where("work_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) CreateUnit(ctx context.Context, u *schema.SourceUnit) error {
	if err := s.exists(ctx, &schema.Work{}, u.WorkID); err != nil {
		return fmt.Errorf("work %s: %w", u.WorkID, err)
	}
	u.ID = cmp.Or(u.ID, newID())
	return s.db.WithContext(ctx).Create(u).Error
}

func (s *GormStore) ListUnits(ctx context.Context, workID string) ([]schema.SourceUnit, error) {
	var out []schema.SourceUnit
	err := s.db.WithContext(ctx).
		Where("work_id = ?", workID).
		Order("ordinal ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateUnitSummary(ctx context.Context, id string, summary string) error {
	tx := s.db.WithContext(ctx).Model(&schema.SourceUnit{}).Where("id = ?", id).Update("summary", summary)
	return affected(tx, "unit", id)
}

func (s *GormStore) CreateTemplate(ctx context.Context, t *schema.Template) error {
	if err := s.exists(ctx, &schema.Work{}, t.WorkID); err != nil {
		return fmt.Errorf("work %s: %w", t.WorkID, err)
	}
	t.ID = cmp.Or(t.ID, newID())
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *GormStore) GetTemplate(ctx context.Context, id string) (*schema.Template, error) {
	var t schema.Template
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err, "template", id)
	}
	var err error
	if t.CharacterArcTemplates, err = s.ListArchetypes(ctx, id, schema.KindCharacter); err != nil {
		return nil, err
	}
	if t.PlotBeatTemplates, err = s.ListArchetypes(ctx, id, schema.KindPlotBeat); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) ListTemplates(ctx context.Context, workID string) ([]schema.Template, error) {
	var out []schema.Template
	err := s.db.WithContext(ctx).
		Where("work_id = ?", workID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) UpdateTemplateStatus(ctx context.Context, id string, status schema.PipelineStatus) error {
	tx := s.db.WithContext(ctx).Model(&schema.Template{}).Where("id = ?", id).Updates(map[string]any{
		"status_summary":                   status.Summary,
		"status_character_arc_extraction":  status.CharacterArcExtraction,
		"status_plot_beat_extraction":      status.PlotBeatExtraction,
		"status_character_arc_abstraction": status.CharacterArcAbstraction,
		"status_plot_beat_abstraction":     status.PlotBeatAbstraction,
		"updated_at":                       time.Now().UTC(),
	})
	return affected(tx, "template", id)
}

func (s *GormStore) CreateExtracted(ctx context.Context, entities []schema.ExtractedEntity) error {
	if len(entities) == 0 {
		return nil
	}
	for i := range entities {
		entities[i].ID = cmp.Or(entities[i].ID, newID())
	}
	return s.db.WithContext(ctx).Create(&entities).Error
}

func (s *GormStore) ListExtracted(ctx context.Context, templateID string, kind schema.Kind) ([]schema.ExtractedEntity, error) {
	var out []schema.ExtractedEntity
	err := s.db.WithContext(ctx).
		Where("template_id = ? AND kind = ?", templateID, kind).
		Order("range_start ASC, seq ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) CreateConsolidated(ctx context.Context, entities []schema.ConsolidatedEntity) error {
	if len(entities) == 0 {
		return nil
	}
	for i := range entities {
		entities[i].ID = cmp.Or(entities[i].ID, newID())
	}
	return s.db.WithContext(ctx).Create(&entities).Error
}

func (s *GormStore) ListConsolidated(ctx context.Context, templateID string) ([]schema.ConsolidatedEntity, error) {
	var out []schema.ConsolidatedEntity
	err := s.db.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) CreateArchetype(ctx context.Context, a *schema.Archetype) error {
	a.ID = cmp.Or(a.ID, newID())
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) ListArchetypes(ctx context.Context, templateID string, kind schema.Kind) ([]schema.Archetype, error) {
	var out []schema.Archetype
	err := s.db.WithContext(ctx).
		Where("template_id = ? AND kind = ?", templateID, kind).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

func (s *GormStore) CreateInstantiation(ctx context.Context, in *schema.Instantiation) error {
	in.ID = cmp.Or(in.ID, newID())
	return s.db.WithContext(ctx).Create(in).Error
}

func (s *GormStore) CreateGenerated(ctx context.Context, g *schema.GeneratedEntity) error {
	g.ID = cmp.Or(g.ID, newID())
	return s.db.WithContext(ctx).Create(g).Error
}

func (s *GormStore) GetInstantiation(ctx context.Context, id string) (*schema.Generated, error) {
	var in schema.Instantiation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&in).Error; err != nil {
		return nil, notFound(err, "instantiation", id)
	}
	var all []schema.GeneratedEntity
	if err := s.db.WithContext(ctx).Where("instantiation_id = ?", id).Order("seq ASC").Find(&all).Error; err != nil {
		return nil, err
	}
	out := &schema.Generated{Instantiation: in}
	for _, g := range all {
		switch g.Kind {
		case schema.KindCharacter:
			out.CharacterArcs = append(out.CharacterArcs, g)
		case schema.KindPlotBeat:
			out.PlotBeats = append(out.PlotBeats, g)
		}
	}
	return out, nil
}

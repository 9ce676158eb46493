package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"loom/pkg/schema"
	"loom/pkg/utils"
)

type snapshot struct {
	Works          map[string]schema.Work          `json:"works"`
	Units          map[string]schema.SourceUnit    `json:"units"`
	Templates      map[string]schema.Template      `json:"templates"`
	Extracted      []schema.ExtractedEntity        `json:"extracted"`
	Consolidated   []schema.ConsolidatedEntity     `json:"consolidated"`
	Archetypes     []schema.Archetype              `json:"archetypes"`
	Instantiations map[string]schema.Instantiation `json:"instantiations"`
	Generated      []schema.GeneratedEntity        `json:"generated"`
}

// MemoryStore keeps everything in process. With a path, every write is
// followed by a JSON snapshot so a restart picks up where it left off.
type MemoryStore struct {
	mu   sync.RWMutex
	path string
	data snapshot
}

func NewMemoryStore(path string) (*MemoryStore, error) {
	m := &MemoryStore{path: path}
	if path != "" && utils.Exists(path) {
		data, err := utils.Load[snapshot](path)
		if err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", path, err)
		}
		m.data = data
	}
	m.init()
	return m, nil
}

func (m *MemoryStore) init() {
	if m.data.Works == nil {
		m.data.Works = make(map[string]schema.Work)
	}
	if m.data.Units == nil {
		m.data.Units = make(map[string]schema.SourceUnit)
	}
	if m.data.Templates == nil {
		m.data.Templates = make(map[string]schema.Template)
	}
	if m.data.Instantiations == nil {
		m.data.Instantiations = make(map[string]schema.Instantiation)
	}
}

// persist must be called with the write lock held.
func (m *MemoryStore) persist() error {
	if m.path == "" {
		return nil
	}
	return utils.Save(m.path, m.data)
}

func (m *MemoryStore) CreateWork(ctx context.Context, w *schema.Work) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.ID = cmp.Or(w.ID, newID())
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	m.data.Works[w.ID] = *w
	return m.persist()
}

func (m *MemoryStore) GetWork(ctx context.Context, id string) (*schema.Work, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.data.Works[id]
	if !ok {
		return nil, fmt.Errorf("work %s: %w", id, ErrNotFound)
	}
	return &w, nil
}

func (m *MemoryStore) DeleteWork(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Works[id]; !ok {
		return fmt.Errorf("work %s: %w", id, ErrNotFound)
	}
	delete(m.data.Works, id)
	for k, u := range m.data.Units {
		if u.WorkID == id {
			delete(m.data.Units, k)
		}
	}
	for k, t := range m.data.Templates {
		if t.WorkID == id {
			delete(m.data.Templates, k)
		}
	}
	for k, in := range m.data.Instantiations {
		if in.WorkID == id {
			delete(m.data.Instantiations, k)
		}
	}
	m.data.Extracted = slices.DeleteFunc(m.data.Extracted, func(e schema.ExtractedEntity) bool { return e.WorkID == id })
	m.data.Consolidated = slices.DeleteFunc(m.data.Consolidated, func(e schema.ConsolidatedEntity) bool { return e.WorkID == id })
	m.data.Archetypes = slices.DeleteFunc(m.data.Archetypes, func(a schema.Archetype) bool { return a.WorkID == id })
	m.data.Generated = slices.DeleteFunc(m.data.Generated, func(g schema.GeneratedEntity) bool { return g.WorkID == id })
	return m.persist()
}

func (m *MemoryStore) CreateUnit(ctx context.Context, u *schema.SourceUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Works[u.WorkID]; !ok {
		return fmt.Errorf("work %s: %w", u.WorkID, ErrNotFound)
	}
	u.ID = cmp.Or(u.ID, newID())
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.data.Units[u.ID] = *u
	return m.persist()
}

func (m *MemoryStore) ListUnits(ctx context.Context, workID string) ([]schema.SourceUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.SourceUnit
	for _, u := range m.data.Units {
		if u.WorkID == workID {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b schema.SourceUnit) int { return cmp.Compare(a.Ordinal, b.Ordinal) })
	return out, nil
}

func (m *MemoryStore) UpdateUnitSummary(ctx context.Context, id string, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.data.Units[id]
	if !ok {
		return fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	u.Summary = summary
	m.data.Units[id] = u
	return m.persist()
}

func (m *MemoryStore) CreateTemplate(ctx context.Context, t *schema.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Works[t.WorkID]; !ok {
		return fmt.Errorf("work %s: %w", t.WorkID, ErrNotFound)
	}
	t.ID = cmp.Or(t.ID, newID())
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	stored := *t
	stored.CharacterArcTemplates, stored.PlotBeatTemplates = nil, nil
	m.data.Templates[t.ID] = stored
	return m.persist()
}

func (m *MemoryStore) GetTemplate(ctx context.Context, id string) (*schema.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.data.Templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	t.CharacterArcTemplates = m.archetypes(id, schema.KindCharacter)
	t.PlotBeatTemplates = m.archetypes(id, schema.KindPlotBeat)
	return &t, nil
}

func (m *MemoryStore) ListTemplates(ctx context.Context, workID string) ([]schema.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.Template
	for _, t := range m.data.Templates {
		if t.WorkID == workID {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b schema.Template) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateTemplateStatus(ctx context.Context, id string, status schema.PipelineStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.data.Templates[id]
	if !ok {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	m.data.Templates[id] = t
	return m.persist()
}

func (m *MemoryStore) CreateExtracted(ctx context.Context, entities []schema.ExtractedEntity) error {
	if len(entities) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entities {
		entities[i].ID = cmp.Or(entities[i].ID, newID())
		m.data.Extracted = append(m.data.Extracted, entities[i])
	}
	return m.persist()
}

func (m *MemoryStore) ListExtracted(ctx context.Context, templateID string, kind schema.Kind) ([]schema.ExtractedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.ExtractedEntity
	for _, e := range m.data.Extracted {
		if e.TemplateID == templateID && e.Kind == kind {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b schema.ExtractedEntity) int {
		return cmp.Or(cmp.Compare(a.Range.Start, b.Range.Start), cmp.Compare(a.Seq, b.Seq))
	})
	return out, nil
}

func (m *MemoryStore) CreateConsolidated(ctx context.Context, entities []schema.ConsolidatedEntity) error {
	if len(entities) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range entities {
		entities[i].ID = cmp.Or(entities[i].ID, newID())
		m.data.Consolidated = append(m.data.Consolidated, entities[i])
	}
	return m.persist()
}

func (m *MemoryStore) ListConsolidated(ctx context.Context, templateID string) ([]schema.ConsolidatedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []schema.ConsolidatedEntity
	for _, e := range m.data.Consolidated {
		if e.TemplateID == templateID {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b schema.ConsolidatedEntity) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

func (m *MemoryStore) CreateArchetype(ctx context.Context, a *schema.Archetype) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = cmp.Or(a.ID, newID())
	m.data.Archetypes = append(m.data.Archetypes, *a)
	return m.persist()
}

func (m *MemoryStore) ListArchetypes(ctx context.Context, templateID string, kind schema.Kind) ([]schema.Archetype, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.archetypes(templateID, kind), nil
}

func (m *MemoryStore) archetypes(templateID string, kind schema.Kind) []schema.Archetype {
	var out []schema.Archetype
	for _, a := range m.data.Archetypes {
		if a.TemplateID == templateID && a.Kind == kind {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b schema.Archetype) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

func (m *MemoryStore) CreateInstantiation(ctx context.Context, in *schema.Instantiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in.ID = cmp.Or(in.ID, newID())
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	m.data.Instantiations[in.ID] = *in
	return m.persist()
}

func (m *MemoryStore) CreateGenerated(ctx context.Context, g *schema.GeneratedEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = cmp.Or(g.ID, newID())
	m.data.Generated = append(m.data.Generated, *g)
	return m.persist()
}

func (m *MemoryStore) GetInstantiation(ctx context.Context, id string) (*schema.Generated, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.data.Instantiations[id]
	if !ok {
		return nil, fmt.Errorf("instantiation %s: %w", id, ErrNotFound)
	}
	out := &schema.Generated{Instantiation: in}
	for _, g := range m.data.Generated {
		if g.InstantiationID != id {
			continue
		}
		switch g.Kind {
		case schema.KindCharacter:
			out.CharacterArcs = append(out.CharacterArcs, g)
		case schema.KindPlotBeat:
			out.PlotBeats = append(out.PlotBeats, g)
		}
	}
	bySeq := func(a, b schema.GeneratedEntity) int { return cmp.Compare(a.Seq, b.Seq) }
	slices.SortStableFunc(out.CharacterArcs, bySeq)
	slices.SortStableFunc(out.PlotBeats, bySeq)
	return out, nil
}

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/schema"
)

func stores(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s, err := NewMemoryStore("")
			require.NoError(t, err)
			return s
		},
		"snapshot": func(t *testing.T) Store {
			s, err := Open("memory:" + filepath.Join(t.TempDir(), "loom.json"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := Open("sqlite:" + filepath.Join(t.TempDir(), "loom.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			work := &schema.Work{Title: "The Lost Coast"}
			require.NoError(t, s.CreateWork(ctx, work))
			require.NotEmpty(t, work.ID)

			for _, ord := range []int{3, 1, 2} {
				require.NoError(t, s.CreateUnit(ctx, &schema.SourceUnit{WorkID: work.ID, Ordinal: ord, Text: "text"}))
			}
			units, err := s.ListUnits(ctx, work.ID)
			require.NoError(t, err)
			require.Len(t, units, 3)
			assert.Equal(t, []int{1, 2, 3}, []int{units[0].Ordinal, units[1].Ordinal, units[2].Ordinal})

			require.NoError(t, s.UpdateUnitSummary(ctx, units[0].ID, "a summary"))
			units, err = s.ListUnits(ctx, work.ID)
			require.NoError(t, err)
			assert.Equal(t, "a summary", units[0].Summary)
			assert.ErrorIs(t, s.UpdateUnitSummary(ctx, "missing", "x"), ErrNotFound)

			tpl := &schema.Template{WorkID: work.ID, Status: schema.NewPipelineStatus()}
			require.NoError(t, s.CreateTemplate(ctx, tpl))

			status := tpl.Status
			require.NoError(t, status.Set(schema.StageSummary, schema.InProgress))
			require.NoError(t, s.UpdateTemplateStatus(ctx, tpl.ID, status))

			require.NoError(t, s.CreateExtracted(ctx, []schema.ExtractedEntity{
				{WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindCharacter, Name: "Ben", Range: schema.ChapterRange{Start: 11, End: 20}, Seq: 0},
				{WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindCharacter, Name: "Ava", Range: schema.ChapterRange{Start: 1, End: 10}, Seq: 1},
				{WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindCharacter, Name: "Cora", Range: schema.ChapterRange{Start: 1, End: 10}, Seq: 2},
				{WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindPlotBeat, Content: "beat", Range: schema.ChapterRange{Start: 1, End: 10}},
			}))
			require.NoError(t, s.CreateExtracted(ctx, nil))

			chars, err := s.ListExtracted(ctx, tpl.ID, schema.KindCharacter)
			require.NoError(t, err)
			require.Len(t, chars, 3)
			assert.Equal(t, []string{"Ava", "Cora", "Ben"}, []string{chars[0].Name, chars[1].Name, chars[2].Name})

			require.NoError(t, s.CreateConsolidated(ctx, []schema.ConsolidatedEntity{{
				WorkID: work.ID, TemplateID: tpl.ID, Name: "Ava",
				Segments: []schema.Segment{{Range: schema.ChapterRange{Start: 1, End: 10}, Content: "c"}},
			}}))
			merged, err := s.ListConsolidated(ctx, tpl.ID)
			require.NoError(t, err)
			require.Len(t, merged, 1)
			assert.Equal(t, "c", merged[0].Segments[0].Content)

			require.NoError(t, s.CreateArchetype(ctx, &schema.Archetype{
				WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindCharacter, SourceName: "Ava", Name: "The Seeker",
				Segments: []schema.Segment{{Range: schema.ChapterRange{Start: 1, End: 10}, Content: "seeks"}},
			}))
			require.NoError(t, s.CreateArchetype(ctx, &schema.Archetype{
				WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindPlotBeat, Name: "The Call", Seq: 0,
			}))

			got, err := s.GetTemplate(ctx, tpl.ID)
			require.NoError(t, err)
			assert.Equal(t, schema.InProgress, got.Status.Get(schema.StageSummary))
			assert.Equal(t, schema.NotStarted, got.Status.Get(schema.StagePlotBeatAbstraction))
			require.Len(t, got.CharacterArcTemplates, 1)
			assert.Equal(t, "The Seeker", got.CharacterArcTemplates[0].Name)
			assert.Equal(t, "seeks", got.CharacterArcTemplates[0].Segments[0].Content)
			require.Len(t, got.PlotBeatTemplates, 1)

			in := &schema.Instantiation{WorkID: work.ID, TemplateID: tpl.ID, Prompt: "space opera"}
			require.NoError(t, s.CreateInstantiation(ctx, in))
			require.NoError(t, s.CreateGenerated(ctx, &schema.GeneratedEntity{WorkID: work.ID, InstantiationID: in.ID, Kind: schema.KindPlotBeat, Seq: 1, Archetype: "Second"}))
			require.NoError(t, s.CreateGenerated(ctx, &schema.GeneratedEntity{WorkID: work.ID, InstantiationID: in.ID, Kind: schema.KindPlotBeat, Seq: 0, Archetype: "First"}))
			require.NoError(t, s.CreateGenerated(ctx, &schema.GeneratedEntity{WorkID: work.ID, InstantiationID: in.ID, Kind: schema.KindCharacter, Name: "Zed"}))

			gen, err := s.GetInstantiation(ctx, in.ID)
			require.NoError(t, err)
			assert.Equal(t, "space opera", gen.Instantiation.Prompt)
			require.Len(t, gen.CharacterArcs, 1)
			require.Len(t, gen.PlotBeats, 2)
			assert.Equal(t, "First", gen.PlotBeats[0].Archetype)

			require.NoError(t, s.DeleteWork(ctx, work.ID))
			_, err = s.GetWork(ctx, work.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.GetTemplate(ctx, tpl.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			units, err = s.ListUnits(ctx, work.ID)
			require.NoError(t, err)
			assert.Empty(t, units)
			assert.ErrorIs(t, s.DeleteWork(ctx, work.ID), ErrNotFound)
		})
	}
}

func TestStoreRejectsOrphans(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			assert.ErrorIs(t, s.CreateUnit(ctx, &schema.SourceUnit{WorkID: "nope", Ordinal: 1}), ErrNotFound)
			assert.ErrorIs(t, s.CreateTemplate(ctx, &schema.Template{WorkID: "nope"}), ErrNotFound)
		})
	}
}

func TestMemorySnapshotSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loom.json")

	s, err := NewMemoryStore(path)
	require.NoError(t, err)
	work := &schema.Work{Title: "Persisted"}
	require.NoError(t, s.CreateWork(ctx, work))
	require.NoError(t, s.CreateUnit(ctx, &schema.SourceUnit{WorkID: work.ID, Ordinal: 1, Text: "hello"}))

	reopened, err := NewMemoryStore(path)
	require.NoError(t, err)
	got, err := reopened.GetWork(ctx, work.ID)
	require.NoError(t, err)
	assert.Equal(t, "Persisted", got.Title)
	units, err := reopened.ListUnits(ctx, work.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "hello", units[0].Text)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("mongo:whatever")
	assert.Error(t, err)
}

func TestGormLoggerWritesThroughCharm(t *testing.T) {
	var buf bytes.Buffer
	l := newGormLogger(log.New(&buf))

	l.Warn(context.Background(), "slow query on %s", "works")
	assert.Contains(t, buf.String(), "slow query on works")

	buf.Reset()
	l.Info(context.Background(), "migrated %d tables", 8)
	assert.Empty(t, buf.String())
}

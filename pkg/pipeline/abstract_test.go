package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/inference"
	"loom/pkg/schema"
)

func TestAbstractCharacter(t *testing.T) {
	ctx := context.Background()

	var n atomic.Int64
	oracle := &stubOracle{fn: func(c inference.Call) (string, error) {
		return record("ARCHETYPE", "The Seeker", "Lead", fmt.Sprintf("abstracted-%d", n.Add(1))), nil
	}}
	a := NewAbstractor(oracle, newMemory(t), testConfig(), quiet())

	ent := schema.ConsolidatedEntity{
		Name: "Ava",
		Role: "Protagonist",
		Segments: []schema.Segment{
			{Range: schema.ChapterRange{Start: 1, End: 10}, Content: "Ava leaves home."},
			{Range: schema.ChapterRange{Start: 11, End: 20}, Content: "Ava finds the coast."},
			{Range: schema.ChapterRange{Start: 21, End: 30}, Content: "Ava returns."},
		},
	}
	arc, err := a.AbstractCharacter(ctx, ent)
	require.NoError(t, err)

	assert.Equal(t, "The Seeker", arc.Name)
	assert.Equal(t, "Ava", arc.SourceName)
	assert.Equal(t, "Lead", arc.Role)
	require.Len(t, arc.Segments, 3)
	assert.Contains(t, arc.Segments[0].Content, "abstracted-1")
	assert.Equal(t, ent.Segments[2].Range, arc.Segments[2].Range)
	assert.Equal(t, schema.ChapterRange{Start: 1, End: 30}, arc.Range())

	calls := oracle.matching("abstract character")
	require.Len(t, calls, 3)
	assert.NotContains(t, calls[0].Prompt, "Previous arc")
	assert.Contains(t, calls[0].Prompt, "Ava leaves home.")
	assert.Contains(t, calls[1].Prompt, "abstracted-1")
	assert.Contains(t, calls[1].Prompt, `"The Seeker"`)
	assert.Contains(t, calls[2].Prompt, "abstracted-2")
	assert.NotContains(t, calls[2].Prompt, "abstracted-1")
}

func TestAbstractRetriesUnparsableAnswer(t *testing.T) {
	var n atomic.Int64
	oracle := &stubOracle{fn: func(c inference.Call) (string, error) {
		if n.Add(1) == 1 {
			return "Sure! Here is the archetype you asked for.", nil
		}
		return record("ARCHETYPE", "The Mentor", "Guide", "body"), nil
	}}
	a := NewAbstractor(oracle, newMemory(t), testConfig(), quiet())
	arc, err := a.AbstractCharacter(context.Background(), schema.ConsolidatedEntity{
		Name:     "Ben",
		Segments: []schema.Segment{{Content: "Ben teaches."}},
	})
	require.NoError(t, err)
	assert.Equal(t, "The Mentor", arc.Name)
	assert.EqualValues(t, 2, n.Load())

	oracle.set(func(inference.Call) (string, error) { return "no records", nil })
	_, err = a.AbstractCharacter(context.Background(), schema.ConsolidatedEntity{
		Name:     "Ben",
		Segments: []schema.Segment{{Content: "Ben teaches."}},
	})
	assert.ErrorIs(t, err, inference.ErrOracleMalformedResponse)
}

func TestAbstractPersistsAndSkipsDone(t *testing.T) {
	ctx := context.Background()
	st := newMemory(t)
	work, _ := seedWork(t, st, 0)
	tpl := &schema.Template{WorkID: work.ID}
	require.NoError(t, st.CreateTemplate(ctx, tpl))

	oracle := &stubOracle{fn: storyOracle}
	a := NewAbstractor(oracle, st, testConfig(), quiet())

	ents := []schema.ConsolidatedEntity{
		{WorkID: work.ID, TemplateID: tpl.ID, Name: "Ava", Seq: 0, Segments: []schema.Segment{{Content: "a"}}},
		{WorkID: work.ID, TemplateID: tpl.ID, Name: "Ben", Seq: 1, Segments: []schema.Segment{{Content: "b"}}},
	}
	require.NoError(t, a.AbstractCharacters(ctx, tpl, ents))
	require.NoError(t, a.AbstractCharacters(ctx, tpl, ents))
	assert.Equal(t, 2, oracle.count("abstract character"))

	arcs, err := st.ListArchetypes(ctx, tpl.ID, schema.KindCharacter)
	require.NoError(t, err)
	require.Len(t, arcs, 2)
	assert.Equal(t, "Ava", arcs[0].SourceName)
	assert.Equal(t, "Ben", arcs[1].SourceName)

	beats := []schema.ExtractedEntity{
		{WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindPlotBeat, Content: "Ava meets Ben.", Range: schema.ChapterRange{Start: 1, End: 2}},
		{WorkID: work.ID, TemplateID: tpl.ID, Kind: schema.KindPlotBeat, Content: "Ben leaves.", Range: schema.ChapterRange{Start: 3, End: 4}},
	}
	require.NoError(t, a.AbstractPlotBeats(ctx, tpl, beats))
	require.NoError(t, a.AbstractPlotBeats(ctx, tpl, beats))

	calls := oracle.matching("abstract beat")
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Contains(t, c.Prompt, "Ava -> The Seeker")
		assert.Contains(t, c.Prompt, "Ben -> The Seeker")
	}

	got, err := st.ListArchetypes(ctx, tpl.ID, schema.KindPlotBeat)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Seq)
	assert.Equal(t, 1, got[1].Seq)
	assert.Contains(t, got[1].Segments[0].Content, "A journey.")
	assert.Equal(t, beats[1].Range, got[1].Segments[0].Range)
}

func TestAbstractCharactersSharingACanonicalName(t *testing.T) {
	ctx := context.Background()
	st := newMemory(t)
	work, _ := seedWork(t, st, 1)
	tpl := &schema.Template{WorkID: work.ID}
	require.NoError(t, st.CreateTemplate(ctx, tpl))

	oracle := &stubOracle{fn: func(c inference.Call) (string, error) {
		if strings.Contains(c.Prompt, "the younger Ava") {
			return "", errors.New("oracle is down")
		}
		return storyOracle(c)
	}}
	a := NewAbstractor(oracle, st, testConfig(), quiet())

	ents := []schema.ConsolidatedEntity{
		{WorkID: work.ID, TemplateID: tpl.ID, Name: "Ava", Seq: 0, Segments: []schema.Segment{{Content: "the elder Ava"}}},
		{WorkID: work.ID, TemplateID: tpl.ID, Name: "Ava", Seq: 1, Segments: []schema.Segment{{Content: "the younger Ava"}}},
	}
	require.NoError(t, a.AbstractCharacters(ctx, tpl, ents))

	arcs, err := st.ListArchetypes(ctx, tpl.ID, schema.KindCharacter)
	require.NoError(t, err)
	require.Len(t, arcs, 1)
	assert.Equal(t, 0, arcs[0].Seq)

	oracle.set(storyOracle)
	before := oracle.count("abstract character")
	require.NoError(t, a.AbstractCharacters(ctx, tpl, ents))
	assert.Equal(t, 1, oracle.count("abstract character")-before)

	arcs, err = st.ListArchetypes(ctx, tpl.ID, schema.KindCharacter)
	require.NoError(t, err)
	require.Len(t, arcs, 2)
	assert.Equal(t, 1, arcs[1].Seq)
	assert.Equal(t, "Ava", arcs[1].SourceName)
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/pkg/inference"
	"loom/pkg/schema"
)

func testTemplate(characters, beats int) *schema.Template {
	tpl := &schema.Template{ID: "tpl", WorkID: "work"}
	for i := range characters {
		tpl.CharacterArcTemplates = append(tpl.CharacterArcTemplates, schema.Archetype{
			Kind:     schema.KindCharacter,
			Name:     fmt.Sprintf("The Archetype %d", i+1),
			Role:     "Lead",
			Segments: []schema.Segment{{Range: schema.ChapterRange{Start: 1, End: 4}, Content: "arc notes"}},
			Seq:      i,
		})
	}
	for i := range beats {
		tpl.PlotBeatTemplates = append(tpl.PlotBeatTemplates, schema.Archetype{
			Kind:     schema.KindPlotBeat,
			Name:     fmt.Sprintf("Template Beat %d", i+1),
			Segments: []schema.Segment{{Range: schema.ChapterRange{Start: i + 1, End: i + 1}, Content: "beat notes"}},
			Seq:      i,
		})
	}
	return tpl
}

func beatOutput(n int) string { return fmt.Sprintf("BEAT-TEXT instantiate beat:%d", n) }

func TestInstantiateRollingContext(t *testing.T) {
	ctx := context.Background()
	oracle := &stubOracle{fn: storyOracle}
	in := NewInstantiator(oracle, newMemory(t), testConfig(), quiet())
	in.countTokens = runeTokens

	var emitted []schema.GeneratedEntity
	got, err := in.Instantiate(ctx, testTemplate(2, 4), "A story about a pilot.", func(e schema.GeneratedEntity) {
		emitted = append(emitted, e)
	})
	require.NoError(t, err)
	require.Len(t, got.CharacterArcs, 2)
	require.Len(t, got.PlotBeats, 4)

	beats := oracle.matching("instantiate beat")
	require.Len(t, beats, 4)

	first := beats[0].Prompt
	assert.Contains(t, first, "A story about a pilot.")
	assert.NotContains(t, first, "Previous beat")
	assert.NotContains(t, first, "Story so far")
	assert.Contains(t, first, "Zed (The Archetype 1)")

	second := beats[1].Prompt
	assert.Contains(t, second, beatOutput(1))
	assert.NotContains(t, second, "Story so far")

	third := beats[2].Prompt
	assert.Contains(t, third, beatOutput(2))
	assert.Contains(t, third, "SYNOPSIS rolling synopsis beat:3")
	assert.NotContains(t, third, beatOutput(1))

	fourth := beats[3].Prompt
	assert.Contains(t, fourth, beatOutput(3))
	assert.Contains(t, fourth, "SYNOPSIS rolling synopsis beat:4")
	assert.NotContains(t, fourth, beatOutput(1))
	assert.NotContains(t, fourth, beatOutput(2))

	rolling := oracle.matching("rolling synopsis")
	require.Len(t, rolling, 2)
	assert.Contains(t, rolling[0].Prompt, beatOutput(1))
	assert.NotContains(t, rolling[0].Prompt, beatOutput(2))
	assert.Contains(t, rolling[1].Prompt, beatOutput(1))
	assert.Contains(t, rolling[1].Prompt, beatOutput(2))
	assert.NotContains(t, rolling[1].Prompt, beatOutput(3))

	// The synopsis for a beat is asked for after the beat before it is written.
	var labels []string
	for _, c := range oracle.matching("") {
		labels = append(labels, c.Label)
	}
	assert.Less(t, slices.Index(labels, "instantiate beat:2"), slices.Index(labels, "rolling synopsis beat:3"))
	assert.Less(t, slices.Index(labels, "rolling synopsis beat:3"), slices.Index(labels, "instantiate beat:3"))

	require.Len(t, emitted, 6)
	assert.Equal(t, schema.KindCharacter, emitted[0].Kind)
	assert.Equal(t, schema.KindCharacter, emitted[1].Kind)
	for i, e := range emitted[2:] {
		assert.Equal(t, schema.KindPlotBeat, e.Kind)
		assert.Equal(t, i, e.Seq)
		assert.Equal(t, fmt.Sprintf("Template Beat %d", i+1), e.Archetype)
		assert.Contains(t, e.Segments[0].Content, beatOutput(i+1))
	}

	stored, err := in.store.GetInstantiation(ctx, got.Instantiation.ID)
	require.NoError(t, err)
	assert.Equal(t, "A story about a pilot.", stored.Instantiation.Prompt)
	assert.Len(t, stored.CharacterArcs, 2)
	assert.Len(t, stored.PlotBeats, 4)
}

func TestInstantiateSkipsFailedBeats(t *testing.T) {
	boom := errors.New("boom")
	oracle := &stubOracle{fn: func(c inference.Call) (string, error) {
		if c.Label == "instantiate beat:2" {
			return "", boom
		}
		return storyOracle(c)
	}}
	in := NewInstantiator(oracle, newMemory(t), testConfig(), quiet())
	in.countTokens = runeTokens

	got, err := in.Instantiate(context.Background(), testTemplate(1, 4), "premise", nil)
	require.NoError(t, err)
	require.Len(t, got.PlotBeats, 3)
	assert.Equal(t, []int{0, 2, 3}, []int{got.PlotBeats[0].Seq, got.PlotBeats[1].Seq, got.PlotBeats[2].Seq})

	beats := oracle.matching("instantiate beat")
	// Beat 3 follows beat 1 directly, so it needs no synopsis.
	assert.Contains(t, beats[2].Prompt, beatOutput(1))
	assert.NotContains(t, beats[2].Prompt, "Story so far")

	rolling := oracle.matching("rolling synopsis")
	require.Len(t, rolling, 1)
	assert.Equal(t, "rolling synopsis beat:4", rolling[0].Label)
	assert.Contains(t, rolling[0].Prompt, beatOutput(1))
	assert.NotContains(t, rolling[0].Prompt, beatOutput(3))
}

func TestInstantiateFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty template", func(t *testing.T) {
		in := NewInstantiator(&stubOracle{fn: storyOracle}, newMemory(t), testConfig(), quiet())
		_, err := in.Instantiate(ctx, testTemplate(0, 0), "premise", nil)
		assert.ErrorIs(t, err, ErrEmptyTemplate)
	})

	t.Run("Every character failing is an error", func(t *testing.T) {
		boom := errors.New("boom")
		oracle := &stubOracle{fn: func(c inference.Call) (string, error) {
			if strings.HasPrefix(c.Label, "instantiate character") {
				return "", boom
			}
			return storyOracle(c)
		}}
		in := NewInstantiator(oracle, newMemory(t), testConfig(), quiet())
		_, err := in.Instantiate(ctx, testTemplate(2, 1), "premise", nil)
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, oracle.count("instantiate beat"))
	})

	t.Run("Every beat failing is an error", func(t *testing.T) {
		oracle := &stubOracle{fn: func(c inference.Call) (string, error) {
			if strings.HasPrefix(c.Label, "instantiate beat") {
				return "nothing useful", nil
			}
			return storyOracle(c)
		}}
		in := NewInstantiator(oracle, newMemory(t), testConfig(), quiet())
		got, err := in.Instantiate(ctx, testTemplate(1, 2), "premise", nil)
		assert.Error(t, err)
		require.NotNil(t, got)
		assert.Len(t, got.CharacterArcs, 1)
		// One retry per beat.
		assert.Equal(t, 4, oracle.count("instantiate beat"))
	})
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"loom/pkg/config"
	"loom/pkg/fanout"
	"loom/pkg/schema"
	"loom/pkg/store"
)

var ErrEmptyTemplate = errors.New("template has no archetypes")

type Instantiator struct {
	base
}

func NewInstantiator(oracle Invoker, st store.Store, cfg config.PipelineConfig, logger *log.Logger) *Instantiator {
	return &Instantiator{base: newBase(oracle, st, cfg, logger, "instantiator")}
}

// Instantiate writes a new story from tpl and prompt. Characters are
// generated in parallel, one per archetype, each seeing the whole ensemble.
// Plot beats are generated one after another: the first beat sees only the
// premise, the second also sees the first verbatim, and every later beat sees
// a rolling synopsis of all beats but the last plus the last beat verbatim.
//
// emit, when non-nil, is called with every entity as soon as it is saved.
func (in *Instantiator) Instantiate(ctx context.Context, tpl *schema.Template, prompt string, emit func(schema.GeneratedEntity)) (*schema.Generated, error) {
	if len(tpl.CharacterArcTemplates) == 0 && len(tpl.PlotBeatTemplates) == 0 {
		return nil, fmt.Errorf("template %s: %w", tpl.ID, ErrEmptyTemplate)
	}
	if emit == nil {
		emit = func(schema.GeneratedEntity) {}
	}

	record := schema.Instantiation{WorkID: tpl.WorkID, TemplateID: tpl.ID, Prompt: prompt}
	if err := in.store.CreateInstantiation(ctx, &record); err != nil {
		return nil, fmt.Errorf("save instantiation: %w", err)
	}
	out := &schema.Generated{Instantiation: record}

	cast, err := in.characters(ctx, tpl, prompt, record)
	if err != nil {
		return out, err
	}
	for i := range cast {
		if err := in.store.CreateGenerated(ctx, &cast[i]); err != nil {
			return out, fmt.Errorf("save character %q: %w", cast[i].Name, err)
		}
		emit(cast[i])
	}
	out.CharacterArcs = cast

	out.PlotBeats, err = in.beats(ctx, tpl, prompt, record, cast, emit)
	return out, err
}

func (in *Instantiator) characters(ctx context.Context, tpl *schema.Template, prompt string, record schema.Instantiation) ([]schema.GeneratedEntity, error) {
	all := tpl.CharacterArcTemplates
	if len(all) == 0 {
		return nil, nil
	}

	results := fanout.Run(ctx, all, in.concurrency(config.StageInstantiation), func(ctx context.Context, i int, arc schema.Archetype) (schema.GeneratedEntity, error) {
		label := fmt.Sprintf("instantiate character:%q", arc.Name)
		rec, err := in.record(ctx, in.call(config.StageInstantiation, label, characterInstantiateSystem, characterInstantiatePrompt(prompt, all, arc)))
		if err != nil {
			return schema.GeneratedEntity{}, err
		}
		return schema.GeneratedEntity{
			WorkID:          tpl.WorkID,
			InstantiationID: record.ID,
			Kind:            schema.KindCharacter,
			Archetype:       arc.Name,
			Name:            rec.Name,
			Role:            rec.Role,
			Segments:        []schema.Segment{{Range: arc.Range(), Content: rec.Body}},
			Seq:             i,
		}, nil
	})

	for _, r := range fanout.Failed(results) {
		in.log.Warn("character instantiation failed", "archetype", all[r.Index].Name, "error", r.Err)
	}
	cast := fanout.Values(results)
	if len(cast) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("all %d characters failed: %w", len(all), fanout.Err(results))
	}
	return cast, nil
}

func (in *Instantiator) beats(ctx context.Context, tpl *schema.Template, prompt string, record schema.Instantiation, cast []schema.GeneratedEntity, emit func(schema.GeneratedEntity)) ([]schema.GeneratedEntity, error) {
	var (
		out     []schema.GeneratedEntity
		written []string
	)
	for i, beat := range tpl.PlotBeatTemplates {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		bc, err := in.priorBeats(ctx, written, i)
		if err != nil {
			in.log.Warn("rolling synopsis failed, skipping beat", "beat", i+1, "error", err)
			continue
		}

		label := fmt.Sprintf("instantiate beat:%d", i+1)
		rec, err := in.record(ctx, in.call(config.StageInstantiation, label, plotBeatInstantiateSystem, plotBeatInstantiatePrompt(prompt, cast, beat, bc)))
		if err != nil {
			in.log.Warn("beat instantiation failed", "beat", i+1, "archetype", beat.Name, "error", err)
			continue
		}

		gen := schema.GeneratedEntity{
			WorkID:          tpl.WorkID,
			InstantiationID: record.ID,
			Kind:            schema.KindPlotBeat,
			Archetype:       beat.Name,
			Name:            rec.Name,
			Role:            rec.Role,
			Segments:        []schema.Segment{{Range: beat.Range(), Content: rec.Body}},
			Seq:             i,
		}
		if err := in.store.CreateGenerated(ctx, &gen); err != nil {
			return out, fmt.Errorf("save beat %d: %w", i+1, err)
		}
		emit(gen)
		out = append(out, gen)
		written = append(written, beatText(rec.Name, rec.Body))
	}

	if len(out) == 0 && len(tpl.PlotBeatTemplates) > 0 {
		return nil, fmt.Errorf("all %d beats failed: %w", len(tpl.PlotBeatTemplates), ErrNoExtractableContent)
	}
	return out, nil
}

// priorBeats builds what beat i may see of the beats written so far.
func (in *Instantiator) priorBeats(ctx context.Context, written []string, i int) (beatContext, error) {
	switch len(written) {
	case 0:
		return beatContext{}, nil
	case 1:
		return beatContext{Previous: written[0]}, nil
	}

	earlier := written[:len(written)-1]
	label := fmt.Sprintf("rolling synopsis beat:%d", i+1)
	text := rollingSummaryPrompt(earlier)
	in.log.Debug("rolling synopsis", "beat", i+1, "beats", len(earlier), "tokens", in.countTokens(text))
	synopsis, err := in.oracle.Invoke(ctx, in.call(config.StageRollingSummary, label, rollingSummarySystem, text))
	if err != nil {
		return beatContext{}, err
	}
	return beatContext{Synopsis: synopsis, Previous: written[len(written)-1]}, nil
}

func beatText(title, body string) string {
	if title == "" {
		return body
	}
	return strings.TrimSpace("# " + title + "\n\n" + body)
}

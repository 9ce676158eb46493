package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"loom/pkg/config"
	"loom/pkg/fanout"
	"loom/pkg/schema"
	"loom/pkg/store"
)

type Abstractor struct {
	base
}

func NewAbstractor(oracle Invoker, st store.Store, cfg config.PipelineConfig, logger *log.Logger) *Abstractor {
	return &Abstractor{base: newBase(oracle, st, cfg, logger, "abstractor")}
}

// AbstractCharacter rewrites every segment of ent into archetype form. The
// segments are abstracted in order, each prompt carrying the previous
// abstracted segment, so the archetype name chosen for the first segment is
// the one the rest continue.
func (a *Abstractor) AbstractCharacter(ctx context.Context, ent schema.ConsolidatedEntity) (schema.Archetype, error) {
	arc := schema.Archetype{
		WorkID:     ent.WorkID,
		TemplateID: ent.TemplateID,
		Kind:       schema.KindCharacter,
		SourceName: ent.Name,
		Seq:        ent.Seq,
	}
	if len(ent.Segments) == 0 {
		return arc, fmt.Errorf("character %q: %w", ent.Name, ErrNoExtractableContent)
	}

	var previous *schema.Segment
	for k, seg := range ent.Segments {
		label := fmt.Sprintf("abstract character:%q chapters:%s", ent.Name, seg.Range)
		prompt := characterAbstractPrompt(ent, seg, previous, arc.Name)
		rec, err := a.record(ctx, a.call(config.StageAbstraction, label, characterAbstractSystem, prompt))
		if err != nil {
			return arc, fmt.Errorf("abstract %q segment %d: %w", ent.Name, k+1, err)
		}
		if k == 0 {
			arc.Name = cmp.Or(rec.Name, "The "+ent.Name)
			arc.Role = cmp.Or(rec.Role, ent.Role)
		}
		arc.Segments = append(arc.Segments, schema.Segment{Range: seg.Range, Content: rec.Body})
		previous = &arc.Segments[len(arc.Segments)-1]
	}
	return arc, nil
}

// AbstractPlotBeat rewrites one beat as a whole. archetypes maps concrete
// character names to the archetype names already assigned to them.
func (a *Abstractor) AbstractPlotBeat(ctx context.Context, beat schema.ExtractedEntity, archetypes map[string]string) (schema.Archetype, error) {
	label := fmt.Sprintf("abstract beat:%s", beatKey(beat))
	rec, err := a.record(ctx, a.call(config.StageAbstraction, label, plotBeatAbstractSystem, plotBeatAbstractPrompt(beat, archetypes)))
	if err != nil {
		return schema.Archetype{}, fmt.Errorf("abstract beat %s: %w", beatKey(beat), err)
	}
	return schema.Archetype{
		WorkID:     beat.WorkID,
		TemplateID: beat.TemplateID,
		Kind:       schema.KindPlotBeat,
		SourceName: beatKey(beat),
		Name:       rec.Name,
		Role:       cmp.Or(rec.Role, beat.Role),
		Segments:   []schema.Segment{{Range: beat.Range, Content: rec.Body}},
	}, nil
}

// AbstractCharacters abstracts every consolidated character whose Seq has no
// archetype yet, persisting each one as it completes.
func (a *Abstractor) AbstractCharacters(ctx context.Context, tpl *schema.Template, ents []schema.ConsolidatedEntity) error {
	existing, err := a.store.ListArchetypes(ctx, tpl.ID, schema.KindCharacter)
	if err != nil {
		return fmt.Errorf("list character archetypes: %w", err)
	}
	// Canonical names may repeat across groups, so progress is keyed on Seq.
	done := make(map[int]bool, len(existing))
	for _, arc := range existing {
		done[arc.Seq] = true
	}

	var pending []schema.ConsolidatedEntity
	for _, ent := range ents {
		if !done[ent.Seq] {
			pending = append(pending, ent)
		}
	}
	if len(pending) == 0 {
		a.log.Info("every character already abstracted", "template", tpl.ID, "characters", len(ents))
		return nil
	}

	a.log.Info("abstracting characters", "template", tpl.ID, "pending", len(pending))
	results := fanout.Run(ctx, pending, a.concurrency(config.StageAbstraction), func(ctx context.Context, _ int, ent schema.ConsolidatedEntity) (string, error) {
		arc, err := a.AbstractCharacter(ctx, ent)
		if err != nil {
			return "", err
		}
		if err := a.store.CreateArchetype(ctx, &arc); err != nil {
			return "", fmt.Errorf("save archetype for %q: %w", ent.Name, err)
		}
		return arc.Name, nil
	})
	return settle(a.log, "character", pending, results, func(ent schema.ConsolidatedEntity) string { return ent.Name })
}

// AbstractPlotBeats abstracts every extracted beat that has no archetype yet,
// using the template's character archetypes to keep names consistent.
func (a *Abstractor) AbstractPlotBeats(ctx context.Context, tpl *schema.Template, beats []schema.ExtractedEntity) error {
	existing, err := a.store.ListArchetypes(ctx, tpl.ID, schema.KindPlotBeat)
	if err != nil {
		return fmt.Errorf("list plot beat archetypes: %w", err)
	}
	done := make(map[string]bool, len(existing))
	for _, arc := range existing {
		done[arc.SourceName] = true
	}

	characters, err := a.store.ListArchetypes(ctx, tpl.ID, schema.KindCharacter)
	if err != nil {
		return fmt.Errorf("list character archetypes: %w", err)
	}
	names := make(map[string]string, len(characters))
	for _, c := range characters {
		names[c.SourceName] = c.Name
	}

	var pending []int
	for i, beat := range beats {
		if !done[beatKey(beat)] {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		a.log.Info("every plot beat already abstracted", "template", tpl.ID, "beats", len(beats))
		return nil
	}

	a.log.Info("abstracting plot beats", "template", tpl.ID, "pending", len(pending))
	results := fanout.Run(ctx, pending, a.concurrency(config.StageAbstraction), func(ctx context.Context, _ int, order int) (string, error) {
		arc, err := a.AbstractPlotBeat(ctx, beats[order], names)
		if err != nil {
			return "", err
		}
		arc.Seq = order
		if err := a.store.CreateArchetype(ctx, &arc); err != nil {
			return "", fmt.Errorf("save beat archetype %s: %w", arc.SourceName, err)
		}
		return arc.Name, nil
	})
	return settle(a.log, "plot beat", pending, results, func(order int) string { return beatKey(beats[order]) })
}

// settle logs per-item failures and returns an error only when every pending
// item failed.
func settle[T any](logger *log.Logger, what string, pending []T, results []fanout.Result[string], name func(T) string) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
			logger.Warn(what+" abstraction failed", "source", name(pending[r.Index]), "error", r.Err)
			continue
		}
		logger.Debug(what+" abstracted", "source", name(pending[r.Index]), "archetype", r.Value)
	}
	if len(errs) > 0 && len(errs) == len(pending) {
		return fmt.Errorf("all %d %s abstractions failed: %w", len(pending), what, errors.Join(errs...))
	}
	return nil
}

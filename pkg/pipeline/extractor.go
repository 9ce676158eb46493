package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"loom/pkg/config"
	"loom/pkg/fanout"
	"loom/pkg/schema"
	"loom/pkg/store"
)

// Window is a run of consecutive chapters extracted in one oracle call.
type Window struct {
	Range schema.ChapterRange
	Units []schema.SourceUnit
}

// Windows partitions ordered units into non-overlapping windows of size units.
func Windows(units []schema.SourceUnit, size int) []Window {
	if size < 1 {
		size = config.DefaultWindowSize
	}
	var out []Window
	for chunk := range slices.Chunk(units, size) {
		out = append(out, Window{
			Range: schema.ChapterRange{Start: chunk[0].Ordinal, End: chunk[len(chunk)-1].Ordinal},
			Units: chunk,
		})
	}
	return out
}

func (w Window) summarized() bool {
	return slices.ContainsFunc(w.Units, func(u schema.SourceUnit) bool { return u.Summary != "" })
}

type Extractor struct {
	base
}

func NewExtractor(oracle Invoker, st store.Store, cfg config.PipelineConfig, logger *log.Logger) *Extractor {
	return &Extractor{base: newBase(oracle, st, cfg, logger, "extractor")}
}

// ExtractWindow asks the oracle for every character or plot beat in w and
// stamps each record with the window's chapter range.
func (e *Extractor) ExtractWindow(ctx context.Context, kind schema.Kind, tpl *schema.Template, w Window) ([]schema.ExtractedEntity, error) {
	if !w.summarized() {
		return nil, fmt.Errorf("chapters %s have no summaries: %w", w.Range, ErrNoExtractableContent)
	}
	for _, u := range w.Units {
		if u.Summary == "" {
			e.log.Warn("chapter has no summary, leaving it out", "chapter", u.Ordinal, "window", w.Range.String())
		}
	}

	system := characterExtractSystem
	if kind == schema.KindPlotBeat {
		system = plotBeatExtractSystem
	}
	label := fmt.Sprintf("extract %s chapters:%s", kind, w.Range)
	out, err := e.oracle.Invoke(ctx, e.call(config.StageExtraction, label, system, extractionPrompt(w)))
	if err != nil {
		return nil, err
	}

	records := e.parser.Parse(out)
	if len(records) == 0 {
		return nil, fmt.Errorf("chapters %s: %w", w.Range, ErrNoExtractableContent)
	}

	entities := make([]schema.ExtractedEntity, 0, len(records))
	for i, rec := range records {
		ent := schema.ExtractedEntity{
			WorkID:     tpl.WorkID,
			TemplateID: tpl.ID,
			Kind:       kind,
			Role:       rec.Role,
			Content:    rec.Body,
			Range:      w.Range,
			Seq:        i,
		}
		switch kind {
		case schema.KindCharacter:
			ent.Name = rec.Name
		case schema.KindPlotBeat:
			if rec.Name != "" {
				ent.Content = "# " + rec.Name + "\n\n" + rec.Body
			}
		}
		entities = append(entities, ent)
	}
	return entities, nil
}

// Extract runs ExtractWindow over every window that has no persisted records
// of kind yet and persists each window's records as soon as they arrive.
// Windows that fail or yield nothing are logged and skipped. The error is
// non-nil only when no pending window produced anything for a reason other
// than having nothing to extract.
func (e *Extractor) Extract(ctx context.Context, kind schema.Kind, tpl *schema.Template, units []schema.SourceUnit) error {
	existing, err := e.store.ListExtracted(ctx, tpl.ID, kind)
	if err != nil {
		return fmt.Errorf("list extracted %s: %w", kind, err)
	}
	done := make(map[schema.ChapterRange]bool)
	for _, ent := range existing {
		done[ent.Range] = true
	}

	var pending []Window
	for _, w := range Windows(units, e.cfg.WindowSize) {
		if !done[w.Range] {
			pending = append(pending, w)
		}
	}
	if len(pending) == 0 {
		e.log.Info("every window already extracted", "kind", kind, "template", tpl.ID)
		return nil
	}

	e.log.Info("extracting", "kind", kind, "template", tpl.ID, "windows", len(pending))
	results := fanout.Run(ctx, pending, e.concurrency(config.StageExtraction), func(ctx context.Context, _ int, w Window) (int, error) {
		entities, err := e.ExtractWindow(ctx, kind, tpl, w)
		if err != nil {
			return 0, err
		}
		if err := e.store.CreateExtracted(ctx, entities); err != nil {
			return 0, fmt.Errorf("save chapters %s: %w", w.Range, err)
		}
		return len(entities), nil
	})

	var hard []error
	total := 0
	for _, r := range results {
		w := pending[r.Index]
		switch {
		case r.Err == nil:
			total += r.Value
		case errors.Is(r.Err, ErrNoExtractableContent):
			e.log.Warn("window yielded no records", "kind", kind, "window", w.Range.String(), "error", r.Err)
		default:
			hard = append(hard, r.Err)
			e.log.Warn("window extraction failed", "kind", kind, "window", w.Range.String(), "error", r.Err)
		}
	}
	e.log.Info("extracted", "kind", kind, "template", tpl.ID, "records", total)

	if len(hard) == len(pending) {
		return fmt.Errorf("all %d %s windows failed: %w", len(pending), kind, errors.Join(hard...))
	}
	return nil
}

// Batches regroups persisted records into per-window batches, in window order.
func Batches(entities []schema.ExtractedEntity) [][]schema.ExtractedEntity {
	var out [][]schema.ExtractedEntity
	for i, ent := range entities {
		if i == 0 || ent.Range != entities[i-1].Range {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], ent)
	}
	return out
}

func beatKey(e schema.ExtractedEntity) string {
	return fmt.Sprintf("%s/%d", e.Range, e.Seq)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

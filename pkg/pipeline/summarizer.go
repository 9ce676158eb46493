package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"loom/pkg/config"
	"loom/pkg/fanout"
	"loom/pkg/schema"
	"loom/pkg/store"
	"loom/pkg/utils"
)

type Summarizer struct {
	base
}

func NewSummarizer(oracle Invoker, st store.Store, cfg config.PipelineConfig, logger *log.Logger) *Summarizer {
	return &Summarizer{base: newBase(oracle, st, cfg, logger, "summarizer")}
}

// Summarize returns the unit's summary, asking the oracle only when the unit
// has none yet. A fresh summary is persisted and written back to unit.
func (s *Summarizer) Summarize(ctx context.Context, unit *schema.SourceUnit) (string, error) {
	if unit.Summary != "" {
		return unit.Summary, nil
	}
	text := strings.TrimSpace(unit.Text)
	if text == "" {
		return "", fmt.Errorf("chapter %d: %w", unit.Ordinal, ErrNoExtractableContent)
	}

	chunks := []string{text}
	if tokens := s.countTokens(text); tokens > s.cfg.MaxChunkTokens {
		limit := max(utf8.RuneCountInString(text)*s.cfg.MaxChunkTokens/tokens, 1)
		chunks = utils.ChunkText(text, limit)
		s.log.Debug("splitting oversize chapter", "chapter", unit.Ordinal, "tokens", tokens, "chunks", len(chunks))
	}

	system := fmt.Sprintf(summarySystem, s.cfg.SummaryRatio)
	parts := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		label := fmt.Sprintf("summary chapter:%d chunk:%d", unit.Ordinal, i+1)
		out, err := s.oracle.Invoke(ctx, s.call(config.StageSummary, label, system, summaryPrompt(*unit, chunk, i, len(chunks))))
		if err != nil {
			return "", fmt.Errorf("summarize chapter %d: %w", unit.Ordinal, err)
		}
		parts = append(parts, out)
	}

	summary := strings.Join(parts, "\n\n")
	if err := s.store.UpdateUnitSummary(ctx, unit.ID, summary); err != nil {
		return "", fmt.Errorf("save summary of chapter %d: %w", unit.Ordinal, err)
	}
	unit.Summary = summary
	return summary, nil
}

// SummarizeAll fills in every missing summary. Units whose summary failed are
// logged and left without one; the error is non-nil only when every unit
// that needed a summary failed.
func (s *Summarizer) SummarizeAll(ctx context.Context, units []schema.SourceUnit) ([]schema.SourceUnit, error) {
	out := slices.Clone(units)
	var pending []int
	for i, u := range out {
		if u.Summary == "" {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		s.log.Info("every chapter already summarized", "chapters", len(out))
		return out, nil
	}

	s.log.Info("summarizing chapters", "pending", len(pending), "chapters", len(out))
	results := fanout.Run(ctx, pending, s.concurrency(config.StageSummary), func(ctx context.Context, _ int, idx int) (string, error) {
		u := out[idx]
		return s.Summarize(ctx, &u)
	})

	for _, r := range results {
		u := &out[pending[r.Index]]
		if r.Err != nil {
			s.log.Warn("chapter summary failed", "work", u.WorkID, "chapter", u.Ordinal, "error", r.Err)
			continue
		}
		u.Summary = r.Value
	}

	if failed := fanout.Failed(results); len(failed) == len(pending) {
		return out, fmt.Errorf("all %d chapter summaries failed: %w", len(pending), fanout.Err(results))
	}
	return out, nil
}

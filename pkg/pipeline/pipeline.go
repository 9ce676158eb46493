// Package pipeline turns a work's chapters into a reusable narrative template
// and instantiates new stories from it.
//
// A run goes summary -> extraction -> consolidation + abstraction, one stage
// at a time. Every stage fans out over independent oracle calls, persists
// what it produced item by item, and skips items that are already persisted,
// so a rerun only pays for the work that is missing.
package pipeline

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go/v3"

	"loom/pkg/config"
	"loom/pkg/grammar"
	"loom/pkg/inference"
	"loom/pkg/store"
	"loom/pkg/utils"
)

var (
	// ErrNoExtractableContent marks a window, chapter or beat that yielded zero records.
	ErrNoExtractableContent = errors.New("no extractable content")
	// ErrReferenceUnassigned marks a consolidation reference the oracle left out of every group.
	ErrReferenceUnassigned = errors.New("reference not assigned to any group")
)

// Invoker is the part of the oracle gateway the pipeline needs.
type Invoker interface {
	Invoke(ctx context.Context, c inference.Call) (string, error)
}

var _ Invoker = (*inference.Oracle)(nil)

type base struct {
	oracle Invoker
	store  store.Store
	cfg    config.PipelineConfig
	parser grammar.Parser
	log    *log.Logger

	countTokens func(string) int
}

func newBase(oracle Invoker, st store.Store, cfg config.PipelineConfig, logger *log.Logger, prefix string) base {
	if logger == nil {
		logger = log.Default()
	}
	return base{
		oracle: oracle,
		store:  st,
		cfg:    cfg,
		parser: grammar.DelimiterParser{},
		log:    logger.WithPrefix(prefix),

		countTokens: utils.EstimateTokens,
	}
}

func (b base) call(stage, label, system, prompt string) inference.Call {
	s := b.cfg.Resolve(stage)
	return inference.Call{
		Label:       label,
		System:      system,
		Prompt:      prompt,
		Model:       s.Model,
		Temperature: openai.Float(s.Temperature),
	}
}

func (b base) concurrency(stage string) int {
	return b.cfg.Resolve(stage).Concurrency
}

// record invokes the oracle and returns the first grammar record of the
// answer. An answer without records is retried once.
func (b base) record(ctx context.Context, c inference.Call) (grammar.Record, error) {
	var last error
	for attempt := range 2 {
		out, err := b.oracle.Invoke(ctx, c)
		if err != nil {
			return grammar.Record{}, err
		}
		if records := b.parser.Parse(out); len(records) > 0 {
			return records[0], nil
		}
		last = inference.ErrOracleMalformedResponse
		b.log.Warn("oracle answer had no records", "call", c.Label, "attempt", attempt+1)
	}
	return grammar.Record{}, last
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

package pipeline

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/log"

	"loom/pkg/config"
	"loom/pkg/fanout"
	"loom/pkg/inference"
	"loom/pkg/schema"
	"loom/pkg/store"
	"loom/pkg/utils"
)

// ConsolidationReport describes what a Consolidate call did besides merging.
type ConsolidationReport struct {
	Levels int
	Calls  int
	// Dropped lists references the oracle left out of every group. Their
	// segments are not part of the result.
	Dropped []schema.EntityReference
	// Fallbacks counts mega-batches grouped by exact name because the oracle failed.
	Fallbacks int
}

type Consolidator struct {
	base
}

func NewConsolidator(oracle Invoker, st store.Store, cfg config.PipelineConfig, logger *log.Logger) *Consolidator {
	return &Consolidator{base: newBase(oracle, st, cfg, logger, "consolidator")}
}

// GroupReferences asks the oracle which references denote the same character.
// The answer is sanitized with SanitizeGroups; indices it leaves out are
// returned as unassigned. A single reference is its own group without a call.
func (c *Consolidator) GroupReferences(ctx context.Context, refs []schema.EntityReference) ([]schema.CanonicalGroup, []int, error) {
	switch len(refs) {
	case 0:
		return nil, nil, nil
	case 1:
		return []schema.CanonicalGroup{{CanonicalName: refs[0].Name, Indices: []int{refs[0].Index}}}, nil, nil
	}

	prompt, err := consolidationPrompt(refs)
	if err != nil {
		return nil, nil, err
	}
	call := c.call(config.StageConsolidation, fmt.Sprintf("consolidate refs:%d", len(refs)), consolidationSystem, prompt)
	format := schema.ConsolidationResponseFormat()
	call.ResponseFormat = &format

	out, err := c.oracle.Invoke(ctx, call)
	if err != nil {
		return nil, nil, err
	}

	var result schema.ConsolidationResult
	if err := json.Unmarshal([]byte(utils.CleanJSON(out)), &result); err != nil {
		return nil, nil, fmt.Errorf("%w: consolidation answer: %w", inference.ErrOracleMalformedResponse, err)
	}
	groups, unassigned := SanitizeGroups(result.Groups, refs)
	return groups, unassigned, nil
}

// SanitizeGroups makes groups a partition of a subset of refs: unknown
// indices are removed, an index claimed by several groups stays with the
// first, and groups left empty are dropped. Indices in no group are returned
// in ascending order.
func SanitizeGroups(groups []schema.CanonicalGroup, refs []schema.EntityReference) ([]schema.CanonicalGroup, []int) {
	valid := make(map[int]bool, len(refs))
	for _, r := range refs {
		valid[r.Index] = true
	}

	seen := make(map[int]bool, len(refs))
	var out []schema.CanonicalGroup
	for _, g := range groups {
		kept := schema.CanonicalGroup{CanonicalName: strings.TrimSpace(g.CanonicalName)}
		for _, idx := range g.Indices {
			if !valid[idx] || seen[idx] {
				continue
			}
			seen[idx] = true
			kept.Indices = append(kept.Indices, idx)
		}
		if len(kept.Indices) == 0 {
			continue
		}
		slices.Sort(kept.Indices)
		out = append(out, kept)
	}
	slices.SortStableFunc(out, func(a, b schema.CanonicalGroup) int { return cmp.Compare(a.Indices[0], b.Indices[0]) })

	var unassigned []int
	for _, r := range refs {
		if !seen[r.Index] {
			unassigned = append(unassigned, r.Index)
		}
	}
	slices.Sort(unassigned)
	return out, unassigned
}

// GroupByName is the local fallback when the oracle cannot group: references
// whose names match ignoring case and spacing are merged.
func GroupByName(refs []schema.EntityReference) []schema.CanonicalGroup {
	pos := make(map[string]int)
	var out []schema.CanonicalGroup
	for _, r := range refs {
		key := normalizeName(r.Name)
		if i, ok := pos[key]; ok {
			out[i].Indices = append(out[i].Indices, r.Index)
			continue
		}
		pos[key] = len(out)
		out = append(out, schema.CanonicalGroup{CanonicalName: r.Name, Indices: []int{r.Index}})
	}
	return out
}

// Merge builds one ConsolidatedEntity per group from items, where group
// indices point into items. Segments are concatenated in index order, the
// role comes from the first member that has one, and an empty canonical name
// falls back to the first member's name.
func Merge(items []schema.ConsolidatedEntity, groups []schema.CanonicalGroup) []schema.ConsolidatedEntity {
	out := make([]schema.ConsolidatedEntity, 0, len(groups))
	for _, g := range groups {
		indices := slices.Sorted(slices.Values(g.Indices))
		first := items[indices[0]]
		ent := schema.ConsolidatedEntity{
			WorkID:     first.WorkID,
			TemplateID: first.TemplateID,
			Name:       cmp.Or(g.CanonicalName, first.Name),
		}
		for _, idx := range indices {
			it := items[idx]
			ent.Role = cmp.Or(ent.Role, it.Role)
			ent.Segments = append(ent.Segments, it.Segments...)
		}
		out = append(out, ent)
	}
	return out
}

// Singletons lifts extracted records into one-segment consolidated entities.
func Singletons(batch []schema.ExtractedEntity) []schema.ConsolidatedEntity {
	out := make([]schema.ConsolidatedEntity, len(batch))
	for i, e := range batch {
		out[i] = schema.ConsolidatedEntity{
			WorkID:     e.WorkID,
			TemplateID: e.TemplateID,
			Name:       e.Name,
			Role:       e.Role,
			Segments:   []schema.Segment{e.Segment()},
		}
	}
	return out
}

type megaResult struct {
	merged   []schema.ConsolidatedEntity
	dropped  []schema.EntityReference
	called   bool
	fallback bool
}

// Consolidate merges per-window batches into one deduplicated set. Batches
// are grouped into mega-batches of MegaBatchSize; each mega-batch is
// flattened and grouped with one oracle call. While more than one mega-batch
// remains, their outputs become the batches of the next level.
func (c *Consolidator) Consolidate(ctx context.Context, batches [][]schema.ConsolidatedEntity) ([]schema.ConsolidatedEntity, ConsolidationReport, error) {
	var report ConsolidationReport
	if len(batches) == 0 {
		return nil, report, nil
	}

	size := max(c.cfg.MegaBatchSize, 2)
	level := batches
	for {
		report.Levels++
		lvl := report.Levels
		megas := slices.Collect(slices.Chunk(level, size))
		c.log.Debug("consolidation level", "level", report.Levels, "batches", len(level), "mega_batches", len(megas))

		results := fanout.Run(ctx, megas, c.concurrency(config.StageConsolidation), func(ctx context.Context, i int, mega [][]schema.ConsolidatedEntity) (megaResult, error) {
			return c.consolidateMega(ctx, lvl, i, mega)
		})
		if err := fanout.Err(results); err != nil {
			return nil, report, err
		}

		next := make([][]schema.ConsolidatedEntity, 0, len(results))
		for _, r := range results {
			next = append(next, r.Value.merged)
			report.Dropped = append(report.Dropped, r.Value.dropped...)
			if r.Value.called {
				report.Calls++
			}
			if r.Value.fallback {
				report.Fallbacks++
			}
		}
		if len(next) == 1 {
			return next[0], report, nil
		}
		level = next
	}
}

func (c *Consolidator) consolidateMega(ctx context.Context, level, i int, mega [][]schema.ConsolidatedEntity) (megaResult, error) {
	items := slices.Concat(mega...)
	refs := make([]schema.EntityReference, len(items))
	for idx, it := range items {
		refs[idx] = schema.EntityReference{Index: idx, Name: it.Name}
	}

	res := megaResult{called: len(refs) > 1}
	groups, unassigned, err := c.GroupReferences(ctx, refs)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		c.log.Warn("oracle grouping failed, grouping by exact name", "level", level, "mega_batch", i, "refs", len(refs), "error", err)
		groups, unassigned = GroupByName(refs), nil
		res.fallback = true
	}
	for _, idx := range unassigned {
		res.dropped = append(res.dropped, refs[idx])
		c.log.Warn("dropping character", "name", refs[idx].Name, "level", level, "mega_batch", i, "error", ErrReferenceUnassigned)
	}
	res.merged = Merge(items, groups)
	return res, nil
}

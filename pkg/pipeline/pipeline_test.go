package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"loom/pkg/config"
	"loom/pkg/inference"
	"loom/pkg/schema"
	"loom/pkg/store"
)

// stubOracle answers by call label and records every call it gets.
type stubOracle struct {
	mu    sync.Mutex
	calls []inference.Call
	fn    func(c inference.Call) (string, error)
}

func (s *stubOracle) Invoke(ctx context.Context, c inference.Call) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	fn := s.fn
	s.mu.Unlock()
	return fn(c)
}

func (s *stubOracle) set(fn func(c inference.Call) (string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

func (s *stubOracle) matching(prefix string) []inference.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inference.Call
	for _, c := range s.calls {
		if strings.HasPrefix(c.Label, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (s *stubOracle) count(prefix string) int { return len(s.matching(prefix)) }

// call returns the recorded call with exactly this label. Fan-out stages
// record calls in completion order, so tests look calls up by label.
func (s *stubOracle) call(t *testing.T, label string) inference.Call {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Label == label {
			return c
		}
	}
	require.Failf(t, "call not recorded", "label %q", label)
	return inference.Call{}
}

func quiet() *log.Logger { return log.New(io.Discard) }

func runeTokens(s string) int { return (utf8.RuneCountInString(s) + 3) / 4 }

func testConfig() config.PipelineConfig {
	cfg := config.Default()
	cfg.WindowSize = 2
	cfg.MegaBatchSize = 2
	return cfg
}

func newMemory(t *testing.T) *store.MemoryStore {
	t.Helper()
	st, err := store.NewMemoryStore("")
	require.NoError(t, err)
	return st
}

// seedWork creates a work with n chapters numbered from 1.
func seedWork(t *testing.T, st store.Store, n int) (*schema.Work, []schema.SourceUnit) {
	t.Helper()
	ctx := context.Background()
	work := &schema.Work{Title: "The Lost Coast"}
	require.NoError(t, st.CreateWork(ctx, work))
	for i := 1; i <= n; i++ {
		require.NoError(t, st.CreateUnit(ctx, &schema.SourceUnit{
			WorkID:  work.ID,
			Ordinal: i,
			Title:   fmt.Sprintf("Part %d", i),
			Text:    fmt.Sprintf("Chapter %d text. Ava and Ben walk along the coast.", i),
		}))
	}
	units, err := st.ListUnits(ctx, work.ID)
	require.NoError(t, err)
	return work, units
}

func record(label, name, role, body string) string {
	return fmt.Sprintf("%s: %s\nFILE_START\n## Role\n%s\n\n%s\nFILE_END\n", label, name, role, body)
}

// groupByLowerName answers a consolidation prompt by grouping names that
// match ignoring case.
func groupByLowerName(c inference.Call) (string, error) {
	_, raw, ok := strings.Cut(c.Prompt, "References:\n")
	if !ok {
		return "", fmt.Errorf("no references in prompt")
	}
	var refs []schema.EntityReference
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return "", err
	}
	byName := map[string]int{}
	var result schema.ConsolidationResult
	for _, r := range refs {
		key := strings.ToLower(r.Name)
		if i, ok := byName[key]; ok {
			result.Groups[i].Indices = append(result.Groups[i].Indices, r.Index)
			continue
		}
		byName[key] = len(result.Groups)
		result.Groups = append(result.Groups, schema.CanonicalGroup{CanonicalName: r.Name, Indices: []int{r.Index}})
	}
	bin, err := json.Marshal(result)
	return string(bin), err
}

// storyOracle answers every pipeline call with well-formed output.
func storyOracle(c inference.Call) (string, error) {
	switch {
	case strings.HasPrefix(c.Label, "summary"):
		first, _, _ := strings.Cut(c.Prompt, "\n")
		return "Summary of " + first, nil
	case strings.HasPrefix(c.Label, "extract character"):
		return record("CHARACTER", "Ava", "Protagonist", "Ava maps the coast.") +
			record("CHARACTER", "BEN", "Brother", "Ben follows."), nil
	case strings.HasPrefix(c.Label, "extract plot_beat"):
		return record("PLOT_BEAT", "The Walk", "Rising action", "They walk. "+c.Label), nil
	case strings.HasPrefix(c.Label, "consolidate"):
		return groupByLowerName(c)
	case strings.HasPrefix(c.Label, "abstract character"):
		return record("ARCHETYPE", "The Seeker", "Lead", "A seeker. "+c.Label), nil
	case strings.HasPrefix(c.Label, "abstract beat"):
		return record("PLOT_BEAT", "The Journey", "Rising action", "A journey. "+c.Label), nil
	case strings.HasPrefix(c.Label, "instantiate character"):
		return record("CHARACTER", "Zed", "Pilot", "Zed flies. "+c.Label), nil
	case strings.HasPrefix(c.Label, "instantiate beat"):
		return record("PLOT_BEAT", "Launch", "Opening", "BEAT-TEXT "+c.Label), nil
	case strings.HasPrefix(c.Label, "rolling synopsis"):
		return "SYNOPSIS " + c.Label, nil
	}
	return "", fmt.Errorf("unexpected call %q", c.Label)
}

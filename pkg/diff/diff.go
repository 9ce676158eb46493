// Package diff compares two templates of the same work archetype by
// archetype, down to word-level changes in each segment.
package diff

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aryann/difflib"

	"loom/pkg/schema"
	"loom/pkg/utils"
)

type ChangeType int

const (
	Unchanged ChangeType = iota
	Added
	Removed
	Modified
)

func (c ChangeType) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	}
	return "unchanged"
}

func (c ChangeType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

type Op int

const (
	Equal Op = iota
	Insert
	Delete
)

func (o Op) MarshalText() ([]byte, error) {
	switch o {
	case Insert:
		return []byte("insert"), nil
	case Delete:
		return []byte("delete"), nil
	}
	return []byte("equal"), nil
}

type WordDelta struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

type StringDiff struct {
	Old    string      `json:"old"`
	New    string      `json:"new"`
	Deltas []WordDelta `json:"deltas"`
}

type FieldDiff struct {
	Path string     `json:"path"`
	Str  StringDiff `json:"diff"`
}

type ArchetypeDiff struct {
	Name       string      `json:"name"`
	State      ChangeType  `json:"state"`
	FieldDiffs []FieldDiff `json:"fields,omitempty"`
}

type TemplateDiff struct {
	Old        string          `json:"old"`
	New        string          `json:"new"`
	Characters []ArchetypeDiff `json:"characters"`
	PlotBeats  []ArchetypeDiff `json:"plot_beats"`
}

// similar is the score above which two plot beats with different names are
// treated as the same beat rewritten.
const similar = 0.70

func Templates(oldT, newT *schema.Template) TemplateDiff {
	return TemplateDiff{
		Old:        oldT.ID,
		New:        newT.ID,
		Characters: Characters(oldT.CharacterArcTemplates, newT.CharacterArcTemplates),
		PlotBeats:  PlotBeats(oldT.PlotBeatTemplates, newT.PlotBeatTemplates),
	}
}

// Characters pairs character archetypes by name, ignoring case.
func Characters(oldA, newA []schema.Archetype) []ArchetypeDiff {
	omap := map[string]schema.Archetype{}
	nmap := map[string]schema.Archetype{}
	keys := map[string]struct{}{}

	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

	for _, a := range oldA {
		k := norm(a.Name)
		omap[k] = a
		keys[k] = struct{}{}
	}
	for _, a := range newA {
		k := norm(a.Name)
		nmap[k] = a
		keys[k] = struct{}{}
	}

	out := make([]ArchetypeDiff, 0, len(keys))
	for k := range keys {
		o, okO := omap[k]
		n, okN := nmap[k]
		switch {
		case okO && !okN:
			out = append(out, ArchetypeDiff{Name: o.Name, State: Removed})
		case !okO && okN:
			out = append(out, added(n))
		default:
			out = append(out, compare(o, n))
		}
	}
	slices.SortFunc(out, func(a, b ArchetypeDiff) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// PlotBeats pairs beats by name first, then by content similarity, and
// reports whatever is left as added or removed. The result follows the new
// template's beat order, with removed beats last.
func PlotBeats(oldA, newA []schema.Archetype) []ArchetypeDiff {
	oUsed := make([]bool, len(oldA))
	pair := make([]int, len(newA))
	for j := range pair {
		pair[j] = -1
	}

	// pair by exact name first
	for j, n := range newA {
		for i, o := range oldA {
			if !oUsed[i] && strings.EqualFold(strings.TrimSpace(o.Name), strings.TrimSpace(n.Name)) {
				pair[j], oUsed[i] = i, true
				break
			}
		}
	}
	// fuzzy match by content
	for j, n := range newA {
		if pair[j] >= 0 {
			continue
		}
		bestI, best := -1, 0.0
		for i, o := range oldA {
			if oUsed[i] {
				continue
			}
			if s := utils.Similarity(content(o), content(n)); s > best {
				bestI, best = i, s
			}
		}
		if bestI >= 0 && best >= similar {
			pair[j], oUsed[bestI] = bestI, true
		}
	}

	var out []ArchetypeDiff
	for j, n := range newA {
		if pair[j] < 0 {
			out = append(out, added(n))
			continue
		}
		out = append(out, compare(oldA[pair[j]], n))
	}
	for i, o := range oldA {
		if !oUsed[i] {
			out = append(out, ArchetypeDiff{Name: o.Name, State: Removed})
		}
	}
	return out
}

func content(a schema.Archetype) string {
	parts := make([]string, len(a.Segments))
	for i, s := range a.Segments {
		parts[i] = s.Content
	}
	return strings.Join(parts, "\n\n")
}

func added(n schema.Archetype) ArchetypeDiff {
	d := ArchetypeDiff{
		Name:       n.Name,
		State:      Added,
		FieldDiffs: []FieldDiff{{Path: "Role", Str: strEq("", n.Role)}},
	}
	for _, s := range n.Segments {
		d.FieldDiffs = append(d.FieldDiffs, FieldDiff{Path: "Chapters " + s.Range.String(), Str: strEq("", s.Content)})
	}
	return d
}

func compare(o, n schema.Archetype) ArchetypeDiff {
	var fd []FieldDiff
	addFieldDiff := func(path, a, b string) {
		if a == b {
			return
		}
		fd = append(fd, FieldDiff{Path: path, Str: strDiff(a, b)})
	}

	addFieldDiff("Name", o.Name, n.Name)
	addFieldDiff("Role", o.Role, n.Role)
	addFieldDiff("Source", o.SourceName, n.SourceName)

	// Segments line up by chapter range; ranges only one side has are
	// compared against nothing.
	segs := map[schema.ChapterRange][2]string{}
	var ranges []schema.ChapterRange
	for side, a := range []schema.Archetype{o, n} {
		for _, s := range a.Segments {
			pair, seen := segs[s.Range]
			if !seen {
				ranges = append(ranges, s.Range)
			}
			pair[side] = s.Content
			segs[s.Range] = pair
		}
	}
	slices.SortFunc(ranges, func(a, b schema.ChapterRange) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), cmp.Compare(a.End, b.End))
	})
	for _, r := range ranges {
		pair := segs[r]
		addFieldDiff("Chapters "+r.String(), pair[0], pair[1])
	}

	state := Unchanged
	if len(fd) > 0 {
		state = Modified
	}
	return ArchetypeDiff{Name: n.Name, State: state, FieldDiffs: fd}
}

func strEq(a, b string) StringDiff {
	return StringDiff{Old: a, New: b, Deltas: []WordDelta{{Op: Insert, Text: b}}}
}

func strDiff(a, b string) StringDiff {
	if a == b {
		return StringDiff{Old: a, New: b, Deltas: []WordDelta{{Op: Equal, Text: a}}}
	}
	at := utils.TokenizeWords(a)
	bt := utils.TokenizeWords(b)
	recs := difflib.Diff(at, bt)
	deltas := make([]WordDelta, 0, len(recs))
	for _, r := range recs {
		switch r.Delta {
		case difflib.Common:
			deltas = append(deltas, WordDelta{Op: Equal, Text: r.Payload})
		case difflib.LeftOnly:
			deltas = append(deltas, WordDelta{Op: Delete, Text: r.Payload})
		case difflib.RightOnly:
			deltas = append(deltas, WordDelta{Op: Insert, Text: r.Payload})
		}
	}
	return StringDiff{Old: a, New: b, Deltas: coalesceSpaces(deltas)}
}

func coalesceSpaces(in []WordDelta) []WordDelta {
	out := make([]WordDelta, 0, len(in))
	flush := func(op Op, buf *strings.Builder) {
		if buf.Len() == 0 {
			return
		}
		out = append(out, WordDelta{Op: op, Text: buf.String()})
		buf.Reset()
	}
	var curOp Op = -1
	var buf strings.Builder
	for _, d := range in {
		if strings.TrimSpace(d.Text) == "" && d.Op == Equal {
			buf.WriteString(d.Text)
			continue
		}
		if curOp != d.Op && curOp != -1 {
			flush(curOp, &buf)
		}
		curOp = d.Op
		buf.WriteString(d.Text)
	}
	flush(curOp, &buf)
	return out
}

const (
	ansiReset = "\x1b[0m"
	fgGreen   = "\x1b[32m"
	fgRed     = "\x1b[31m"
	fgYellow  = "\x1b[33m"
	fgCyan    = "\x1b[36m"
	faint     = "\x1b[2m"
	uline     = "\x1b[4m"
	strike    = "\x1b[9m"
)

var tags = map[ChangeType]string{
	Added:     fgGreen + "[+]" + ansiReset,
	Removed:   fgRed + "[-]" + ansiReset,
	Modified:  fgYellow + "[~]" + ansiReset,
	Unchanged: faint + "[=]" + ansiReset,
}

func renderStringDiff(sd StringDiff) string {
	var b strings.Builder
	for _, d := range sd.Deltas {
		switch d.Op {
		case Equal:
			b.WriteString(d.Text)
		case Insert:
			fmt.Fprintf(&b, "%s%s%s%s", fgGreen, uline, d.Text, ansiReset)
		case Delete:
			fmt.Fprintf(&b, "%s%s%s%s", fgRed, strike, d.Text, ansiReset)
		}
	}
	return b.String()
}

// Print writes d for a terminal, colouring insertions and deletions.
func (d TemplateDiff) Print(w io.Writer) {
	section := func(title string, diffs []ArchetypeDiff) {
		if len(diffs) == 0 {
			return
		}
		fmt.Fprintln(w, fgCyan+title+ansiReset)
		for _, a := range diffs {
			fmt.Fprintf(w, "  %s %s\n", tags[a.State], a.Name)
			for _, f := range a.FieldDiffs {
				fmt.Fprintf(w, "    %s: %s\n", f.Path, renderStringDiff(f.Str))
			}
		}
	}
	section("Characters", d.Characters)
	section("Plot beats", d.PlotBeats)
}

// Changed reports whether any archetype differs between the two templates.
func (d TemplateDiff) Changed() bool {
	for _, a := range slices.Concat(d.Characters, d.PlotBeats) {
		if a.State != Unchanged {
			return true
		}
	}
	return false
}

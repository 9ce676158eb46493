package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"loom/pkg/schema"
)

const summarySystem = `You are a meticulous literary summarizer. Condense the chapter you are given to roughly %s of its original length.

**Cover, in order of appearance**:
- Every plot event, in chronological order.
- Every character who appears, and what they do.
- Notable lines of dialogue, quoted or closely paraphrased.
- Emotional and character development.
- Relationships and power dynamics between characters, when the text makes them explicit.

**Rules**:
- Do not invent events, characters or motives that are not in the text.
- Write in plain prose. No headings, bullet points or commentary about the task.
- Output only the summary.`

const characterExtractSystem = `You are a narrative analyst. You read chapter summaries from one part of a longer story and identify every named character who appears in them.

Emit one record per character using exactly this format:

CHARACTER: <the character's name>
FILE_START
## Description
<who they are>
## Role
<their role in the story, one line>
## Key Relationships
<the characters they relate to and how>
## Motivation
<what drives them in these chapters>
## Starting State
<where they are emotionally and situationally at the start of these chapters>
## Transformation
<how they change across these chapters>
## Ending State
<where they are at the end of these chapters>
FILE_END

**Rules**:
- Only describe what happens in the chapters given; do not speculate about the rest of the story.
- Use the name the text uses most; mention other names and nicknames in the Description.
- Repeat the record block for every character. Do not wrap the output in code fences.
- Output only the records.`

const plotBeatExtractSystem = `You are a narrative analyst. You read chapter summaries from one part of a longer story and break them into the plot beats that drive the story forward.

Emit one record per beat, in story order, using exactly this format:

PLOT_BEAT: <a short title for the beat>
FILE_START
## Role
<the beat's structural function, e.g. inciting incident, midpoint, reversal>
## Events
<what happens>
## Characters Involved
<who takes part and how>
## Consequences
<what this beat changes for the rest of the story>
FILE_END

**Rules**:
- Only use events from the chapters given.
- Merge minor events into the beat they serve; a beat should matter to the story.
- Repeat the record block for every beat. Do not wrap the output in code fences.
- Output only the records.`

const consolidationSystem = `You are resolving character identities across independently written notes about the same story.

You are given a JSON array of references. Each reference has an "index" and the "name" one note used for a character. Different notes may use different spellings, capitalizations, titles or nicknames for the same person.

**Rules**:
- Group together the indices that refer to the same character.
- Every index must appear in exactly one group. A character that matches nobody else gets a group of its own.
- For each group choose the single canonical_name that best represents the character, usually their fullest proper name.
- Never merge two different characters just because they share a surname or a title.
- Output only the JSON object.`

const characterAbstractSystem = `You turn a specific story character into a reusable archetype.

Rewrite the character notes you are given so that they no longer mention the concrete character, places or events by name. Replace the character with a general archetype name (for example "The Reluctant Heir" or "The Loyal Mentor"), and describe other characters by their archetypal role. Keep the nature of every relationship, the emotional trajectory and the personality intact.

Emit exactly one record:

ARCHETYPE: <archetype name>
FILE_START
## Role
<the archetype's narrative role, one line>
<the rewritten notes, keeping the same section headings as the input>
FILE_END

**Rules**:
- If a previous part of this arc is given, continue it and keep using the same archetype name.
- Do not wrap the output in code fences.
- Output only the record.`

const plotBeatAbstractSystem = `You turn a specific plot beat into a reusable story template beat.

Rewrite the beat you are given so that it no longer mentions concrete names, places or objects. Refer to characters by their archetype names when a mapping is provided, otherwise by their narrative role. Keep the beat's structural function, stakes and consequences.

Emit exactly one record:

PLOT_BEAT: <a general title for the beat>
FILE_START
## Role
<the beat's structural function>
<the rewritten beat>
FILE_END

**Rules**:
- Do not wrap the output in code fences.
- Output only the record.`

const characterInstantiateSystem = `You are a novelist designing the cast of a new story from a set of character archetypes.

You are given the premise of the new story, the full ensemble of archetypes and the one archetype you must fill now. Invent a concrete character for that archetype who fits the premise and whose relationships with the rest of the ensemble match the archetype notes.

Emit exactly one record:

CHARACTER: <the new character's name>
FILE_START
## Role
<their role in the new story, one line>
## Description
<who they are>
## Key Relationships
<relationships, naming the other archetypes they relate to>
## Arc
<their motivation and transformation across the story>
FILE_END

**Rules**:
- Do not wrap the output in code fences.
- Output only the record.`

const plotBeatInstantiateSystem = `You are a novelist writing the outline of a new story one beat at a time.

You are given the premise of the new story, its cast, the template beat to realize next and, when available, what has happened so far. Write the next beat so that it reads as a direct continuation of the previous one.

Emit exactly one record:

PLOT_BEAT: <a title for the new beat>
FILE_START
## Role
<the beat's structural function>
<the beat, written as a detailed outline of what happens>
FILE_END

**Rules**:
- Stay consistent with every earlier event and with the cast.
- Do not wrap the output in code fences.
- Output only the record.`

const rollingSummarySystem = `You keep a running synopsis of a story outline that is being written beat by beat.

Summarize the beats you are given into one compact synopsis that preserves every event that later beats could depend on: who did what, what changed, what is still unresolved.

**Rules**:
- Write in plain prose, past tense.
- Output only the synopsis.`

func summaryPrompt(unit schema.SourceUnit, chunk string, part, parts int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter %d", unit.Ordinal)
	if unit.Title != "" {
		fmt.Fprintf(&b, ": %s", unit.Title)
	}
	if parts > 1 {
		fmt.Fprintf(&b, " (part %d of %d)", part+1, parts)
	}
	b.WriteString("\n\n")
	b.WriteString(chunk)
	return b.String()
}

func extractionPrompt(w Window) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chapter summaries for chapters %s:\n", w.Range)
	for _, u := range w.Units {
		if u.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "\n### Chapter %d", u.Ordinal)
		if u.Title != "" {
			fmt.Fprintf(&b, ": %s", u.Title)
		}
		b.WriteString("\n")
		b.WriteString(u.Summary)
		b.WriteString("\n")
	}
	return b.String()
}

func consolidationPrompt(refs []schema.EntityReference) (string, error) {
	bin, err := json.Marshal(refs)
	if err != nil {
		return "", err
	}
	return "References:\n" + string(bin), nil
}

func characterAbstractPrompt(ent schema.ConsolidatedEntity, seg schema.Segment, previous *schema.Segment, archetype string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Character: %s\n", ent.Name)
	if ent.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", ent.Role)
	}
	if previous != nil {
		fmt.Fprintf(&b, "\nPrevious arc (chapters %s), already abstracted as %q:\n%s\n", previous.Range, archetype, previous.Content)
	}
	fmt.Fprintf(&b, "\nNotes for chapters %s:\n%s\n", seg.Range, seg.Content)
	return b.String()
}

func plotBeatAbstractPrompt(beat schema.ExtractedEntity, archetypes map[string]string) string {
	var b strings.Builder
	if len(archetypes) > 0 {
		b.WriteString("Character archetypes:\n")
		for _, name := range sortedKeys(archetypes) {
			fmt.Fprintf(&b, "- %s -> %s\n", name, archetypes[name])
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Beat from chapters %s:\n%s\n", beat.Range, beat.Content)
	return b.String()
}

func ensemble(archetypes []schema.Archetype) string {
	var b strings.Builder
	for _, a := range archetypes {
		fmt.Fprintf(&b, "## %s\n", a.Name)
		if a.Role != "" {
			fmt.Fprintf(&b, "Role: %s\n", a.Role)
		}
		for _, s := range a.Segments {
			fmt.Fprintf(&b, "### Chapters %s\n%s\n", s.Range, s.Content)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func characterInstantiatePrompt(premise string, all []schema.Archetype, target schema.Archetype) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Premise:\n%s\n\n", premise)
	b.WriteString("Ensemble:\n")
	b.WriteString(ensemble(all))
	fmt.Fprintf(&b, "Archetype to fill now: %s\n", target.Name)
	return b.String()
}

// beatContext is what a beat prompt may see of the beats written before it.
type beatContext struct {
	Synopsis string
	Previous string
}

func plotBeatInstantiatePrompt(premise string, cast []schema.GeneratedEntity, beat schema.Archetype, bc beatContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Premise:\n%s\n\n", premise)
	if len(cast) > 0 {
		b.WriteString("Cast:\n")
		for _, c := range cast {
			fmt.Fprintf(&b, "- %s (%s)", c.Name, c.Archetype)
			if c.Role != "" {
				fmt.Fprintf(&b, ": %s", c.Role)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if bc.Synopsis != "" {
		fmt.Fprintf(&b, "Story so far:\n%s\n\n", bc.Synopsis)
	}
	if bc.Previous != "" {
		fmt.Fprintf(&b, "Previous beat:\n%s\n\n", bc.Previous)
	}
	fmt.Fprintf(&b, "Template beat to realize next: %s\n", beat.Name)
	for _, s := range beat.Segments {
		b.WriteString(s.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func rollingSummaryPrompt(beats []string) string {
	var b strings.Builder
	for i, text := range beats {
		fmt.Fprintf(&b, "### Beat %d\n%s\n\n", i+1, text)
	}
	return b.String()
}

package schema

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindCharacter Kind = "character"
	KindPlotBeat  Kind = "plot_beat"
)

// ChapterRange is a closed interval of source unit ordinals.
type ChapterRange struct {
	Start int `json:"start" jsonschema_description:"First chapter ordinal (inclusive)"`
	End   int `json:"end" jsonschema_description:"Last chapter ordinal (inclusive)"`
}

func (r ChapterRange) String() string {
	if r.Start == r.End {
		return fmt.Sprintf("%d", r.Start)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func (r ChapterRange) Contains(ordinal int) bool {
	return ordinal >= r.Start && ordinal <= r.End
}

type Work struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// SourceUnit is a chapter of a Work. Summary is written once by the summarizer.
type SourceUnit struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	WorkID    string    `json:"work_id" gorm:"index;type:varchar(32)"`
	Ordinal   int       `json:"ordinal" gorm:"index"`
	Title     string    `json:"title,omitempty"`
	Text      string    `json:"text" gorm:"type:text"`
	Summary   string    `json:"summary,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// ExtractedEntity is one window's view of a character or plot beat.
type ExtractedEntity struct {
	ID         string       `json:"id" gorm:"primaryKey;type:varchar(32)"`
	WorkID     string       `json:"work_id" gorm:"index;type:varchar(32)"`
	TemplateID string       `json:"template_id" gorm:"index;type:varchar(32)"`
	Kind       Kind         `json:"kind" gorm:"index;type:varchar(16)"`
	Name       string       `json:"name,omitempty"`
	Role       string       `json:"role,omitempty"`
	Content    string       `json:"content" gorm:"type:text"`
	Range      ChapterRange `json:"chapter_range" gorm:"embedded;embeddedPrefix:range_"`
	Seq        int          `json:"seq"`
}

func (e ExtractedEntity) Segment() Segment {
	return Segment{Range: e.Range, Content: e.Content}
}

// EntityReference is the (index, name) pair shown to the oracle during consolidation.
type EntityReference struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// CanonicalGroup is a set of reference indices believed to denote the same character.
type CanonicalGroup struct {
	CanonicalName string `json:"canonical_name" jsonschema_description:"The single name that should represent every reference in this group"`
	Indices       []int  `json:"indices" jsonschema_description:"Indices of the references that refer to this same character"`
}

// ConsolidationResult is the structured answer to a consolidation prompt.
type ConsolidationResult struct {
	Groups []CanonicalGroup `json:"groups" jsonschema_description:"Partition of the reference indices; each index appears in exactly one group"`
}

type Segment struct {
	Range   ChapterRange `json:"chapter_range"`
	Content string       `json:"content"`
}

// ConsolidatedEntity is the merge of every ExtractedEntity of one canonical group.
type ConsolidatedEntity struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	WorkID     string    `json:"work_id" gorm:"index;type:varchar(32)"`
	TemplateID string    `json:"template_id" gorm:"index;type:varchar(32)"`
	Name       string    `json:"name"`
	Role       string    `json:"role,omitempty"`
	Segments   []Segment `json:"segments" gorm:"serializer:json"`
	Seq        int       `json:"seq"`
}

// Archetype is an abstracted character arc or plot beat belonging to a Template.
type Archetype struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	WorkID     string    `json:"work_id" gorm:"index;type:varchar(32)"`
	TemplateID string    `json:"template_id" gorm:"index;type:varchar(32)"`
	Kind       Kind      `json:"kind" gorm:"index;type:varchar(16)"`
	SourceName string    `json:"source_name"`
	Name       string    `json:"name"`
	Role       string    `json:"role,omitempty"`
	Segments   []Segment `json:"segments" gorm:"serializer:json"`
	Seq        int       `json:"seq"`
}

func (a Archetype) Range() ChapterRange {
	if len(a.Segments) == 0 {
		return ChapterRange{}
	}
	r := a.Segments[0].Range
	for _, s := range a.Segments[1:] {
		r.Start = min(r.Start, s.Range.Start)
		r.End = max(r.End, s.Range.End)
	}
	return r
}

type Template struct {
	ID                    string         `json:"id" gorm:"primaryKey;type:varchar(32)"`
	WorkID                string         `json:"work_id" gorm:"index;type:varchar(32)"`
	Status                PipelineStatus `json:"status" gorm:"embedded;embeddedPrefix:status_"`
	CharacterArcTemplates []Archetype    `json:"character_arc_templates" gorm:"-"`
	PlotBeatTemplates     []Archetype    `json:"plot_beat_templates" gorm:"-"`
	CreatedAt             time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt             time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

// Instantiation records one story generated from a Template.
type Instantiation struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	WorkID     string    `json:"work_id" gorm:"index;type:varchar(32)"`
	TemplateID string    `json:"template_id" gorm:"index;type:varchar(32)"`
	Prompt     string    `json:"prompt" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// GeneratedEntity is a new character arc or plot beat produced from an Archetype.
type GeneratedEntity struct {
	ID              string    `json:"id" gorm:"primaryKey;type:varchar(32)"`
	WorkID          string    `json:"work_id" gorm:"index;type:varchar(32)"`
	InstantiationID string    `json:"instantiation_id" gorm:"index;type:varchar(32)"`
	Kind            Kind      `json:"kind" gorm:"type:varchar(16)"`
	Archetype       string    `json:"archetype"`
	Name            string    `json:"name,omitempty"`
	Role            string    `json:"role,omitempty"`
	Segments        []Segment `json:"segments" gorm:"serializer:json"`
	Seq             int       `json:"seq"`
}

type Generated struct {
	Instantiation Instantiation     `json:"instantiation"`
	CharacterArcs []GeneratedEntity `json:"character_arcs"`
	PlotBeats     []GeneratedEntity `json:"plot_beats"`
}

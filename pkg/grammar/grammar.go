// Package grammar parses the delimiter grammar the oracle is asked to emit:
//
//	CHARACTER: <name>
//	FILE_START
//	<markdown body>
//	FILE_END
//
// repeated once per record. The label before the colon is free (CHARACTER,
// ARCHETYPE, PLOT_BEAT, ...) and is returned with each record.
package grammar

import (
	"regexp"
	"strings"

	"loom/pkg/utils"
)

type Record struct {
	Label string
	Name  string
	Role  string
	Body  string
}

// Parser turns oracle output into records. An empty result means the output
// was unusable; it is never an error.
type Parser interface {
	Parse(text string) []Record
}

type DelimiterParser struct{}

func (DelimiterParser) Parse(text string) []Record { return ParseRecords(text) }

var recordRX = regexp.MustCompile(`(?s)([A-Z][A-Z_]*[A-Z]):[ \t]*([^\r\n]*?)[ \t]*\r?\n\s*FILE_START[ \t]*\r?\n?(.*?)\s*FILE_END`)

var roleHeadingRX = regexp.MustCompile(`(?i)^\s*##\s*role\s*(?::\s*(.*))?$`)

// ParseRecords extracts every (label, name, role, body) record from text.
func ParseRecords(text string) []Record {
	text = utils.StripFences(text)
	matches := recordRX.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Record, 0, len(matches))
	for _, m := range matches {
		body := strings.TrimSpace(m[3])
		out = append(out, Record{
			Label: strings.TrimSpace(m[1]),
			Name:  cleanName(m[2]),
			Role:  Role(body),
			Body:  body,
		})
	}
	return out
}

// Role returns the text after `## Role:` on the heading line, or else the
// line(s) following a `## Role` heading up to the next heading or blank line.
// Missing headings yield "".
func Role(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		m := roleHeadingRX.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if inline := strings.TrimSpace(m[1]); inline != "" {
			return inline
		}
		var parts []string
		for _, next := range lines[i+1:] {
			next = strings.TrimSpace(next)
			if next == "" {
				if len(parts) == 0 {
					continue
				}
				break
			}
			if strings.HasPrefix(next, "#") {
				break
			}
			parts = append(parts, next)
		}
		return strings.Join(parts, " ")
	}
	return ""
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*_`\"")
	return strings.TrimSpace(s)
}

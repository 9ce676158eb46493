package grammar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoRecords = `Here are the characters.

CHARACTER: Ava
FILE_START
## Description
A cartographer.

## Role
Protagonist

## Motivation
Find the lost coast.
FILE_END

CHARACTER: Ben
FILE_START
## Description
Ava's brother.
## Role
Reluctant ally
who distrusts maps
## Transformation
Learns to trust her.
FILE_END
`

func TestParseRecords(t *testing.T) {
	t.Run("Parses records in order", func(t *testing.T) {
		records := ParseRecords(twoRecords)
		require.Len(t, records, 2)

		assert.Equal(t, "CHARACTER", records[0].Label)
		assert.Equal(t, "Ava", records[0].Name)
		assert.Equal(t, "Protagonist", records[0].Role)
		assert.Contains(t, records[0].Body, "Find the lost coast.")
		assert.NotContains(t, records[0].Body, "FILE_END")

		assert.Equal(t, "Ben", records[1].Name)
		assert.Equal(t, "Reluctant ally who distrusts maps", records[1].Role)
	})

	t.Run("No delimiters yields empty list", func(t *testing.T) {
		assert.Empty(t, ParseRecords("The oracle just talked about the weather."))
		assert.Empty(t, ParseRecords(""))
	})

	t.Run("Unterminated record is ignored", func(t *testing.T) {
		assert.Empty(t, ParseRecords("CHARACTER: Ava\nFILE_START\nno end"))
	})

	t.Run("Survives code fences and loose whitespace", func(t *testing.T) {
		in := "```markdown\nCHARACTER:   **Cora**  \n   FILE_START  \n  body text\n   FILE_END\n```"
		records := ParseRecords(in)
		require.Len(t, records, 1)
		assert.Equal(t, "Cora", records[0].Name)
		assert.Equal(t, "body text", records[0].Body)
		assert.Empty(t, records[0].Role)
	})

	t.Run("Other labels are accepted", func(t *testing.T) {
		in := "ARCHETYPE: The Mentor\nFILE_START\n## Role: Guide\nText\nFILE_END\nPLOT_BEAT: The Call\nFILE_START\nBeat\nFILE_END"
		records := DelimiterParser{}.Parse(in)
		require.Len(t, records, 2)
		assert.Equal(t, "ARCHETYPE", records[0].Label)
		assert.Equal(t, "The Mentor", records[0].Name)
		assert.Equal(t, "Guide", records[0].Role)
		assert.Equal(t, "PLOT_BEAT", records[1].Label)
		assert.Equal(t, "Beat", records[1].Body)
	})
}

func TestRole(t *testing.T) {
	assert.Equal(t, "Mentor", Role("## Role\n\nMentor\n\n## Other"))
	assert.Equal(t, "", Role("## Roles and Relationships\nnone"))
	assert.Equal(t, "", Role("no headings here"))
}

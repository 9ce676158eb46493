package utils

import (
	"strings"
	"unicode"

	"github.com/aryann/difflib"
)

func TokenizeWords(s string) []string {
	var out []string
	var cur []rune
	kind := -1 // 0=space,1=word,2=punct
	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, string(cur))
		cur = cur[:0]
	}
	for _, r := range s {
		k := 2
		switch {
		case unicode.IsSpace(r):
			k = 0
		case unicode.IsLetter(r) || unicode.IsNumber(r) || r == '_' || r == '-' || r == '\'':
			k = 1
		}
		if kind == -1 {
			kind = k
		}
		if k != kind {
			flush()
			kind = k
		}
		cur = append(cur, r)
	}
	flush()
	return out
}

// Similarity scores how much of a and b is shared, word by word, from 0 for
// nothing to 1 for identical text. Case and surrounding space are ignored.
func Similarity(a, b string) float64 {
	at := words(strings.ToLower(strings.TrimSpace(a)))
	bt := words(strings.ToLower(strings.TrimSpace(b)))
	if len(at)+len(bt) == 0 {
		return 1
	}
	common := 0
	for _, r := range difflib.Diff(at, bt) {
		if r.Delta == difflib.Common {
			common++
		}
	}
	return 2 * float64(common) / float64(len(at)+len(bt))
}

func words(s string) []string {
	out := TokenizeWords(s)
	n := 0
	for _, w := range out {
		if strings.TrimSpace(w) != "" {
			out[n] = w
			n++
		}
	}
	return out[:n]
}

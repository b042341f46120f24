// Package segment splits narration text into short, subtitle-sized phrases.
//
// A phrase is the atomic unit of both speech synthesis and subtitling, so the
// split favours natural clause boundaries and a bounded on-screen length.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMaxChars is the phrase length limit used when none is configured.
const DefaultMaxChars = 45

// Punctuation that ends a fragment. Sentence-final marks also end the phrase.
const (
	fullStop    = '.'
	exclamation = '!'
	question    = '?'
	comma       = ','
	ellipsis    = '…'
	space       = ' '
)

// ErrMaxCharsNotPositive is returned when the phrase limit is zero or negative.
var ErrMaxCharsNotPositive = errors.New("max chars must be positive")

// Segmenter splits narration text into ordered phrases no longer than maxChars runes.
type Segmenter struct {
	maxChars int
}

// fragment is a clause cut after a run of break punctuation.
type fragment struct {
	text           string
	closesSentence bool
}

// NewSegmenter creates a segmenter with the given phrase length limit.
func NewSegmenter(maxChars int) (*Segmenter, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrMaxCharsNotPositive, maxChars)
	}

	return &Segmenter{maxChars: maxChars}, nil
}

// MaxChars returns the configured phrase length limit.
func (s *Segmenter) MaxChars() int {
	return s.maxChars
}

// Segment splits text into phrases. The phrases, joined by single spaces,
// reproduce the whitespace-normalized text exactly. Empty or whitespace-only
// input yields an empty slice, which callers must treat as a failure.
func (s *Segmenter) Segment(text string) []string {
	normalized := normalizeWhitespace(norm.NFC.String(text))
	if normalized == "" {
		return nil
	}

	return s.pack(splitFragments(normalized))
}

// normalizeWhitespace collapses line breaks, tabs and runs of spaces into single spaces.
func normalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// splitFragments cuts the text after every run of break punctuation that is
// followed by a space or the end of the text. Punctuation stays attached to the
// fragment it terminates; "3.5" or "a,b" are never cut.
func splitFragments(text string) []fragment {
	var (
		fragments []fragment
		current   strings.Builder
	)

	runes := []rune(text)

	for index, char := range runes {
		current.WriteRune(char)

		if !isBreak(char) {
			continue
		}

		atEnd := index+1 == len(runes)
		if !atEnd && runes[index+1] != space {
			continue
		}

		fragments = appendFragment(fragments, current.String())

		current.Reset()
	}

	return appendFragment(fragments, current.String())
}

func appendFragment(fragments []fragment, raw string) []fragment {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fragments
	}

	last, _ := utf8.DecodeLastRuneInString(trimmed)

	return append(fragments, fragment{
		text:           trimmed,
		closesSentence: isSentenceFinal(last),
	})
}

// pack greedily joins fragments into phrases. A sentence-final fragment always
// closes the current phrase; an oversized fragment is hard-split on words.
func (s *Segmenter) pack(fragments []fragment) []string {
	var (
		phrases []string
		current string
	)

	flush := func() {
		if current != "" {
			phrases = append(phrases, current)
			current = ""
		}
	}

	for _, frag := range fragments {
		if runeLen(frag.text) > s.maxChars {
			flush()

			phrases = append(phrases, s.splitWords(frag.text)...)

			continue
		}

		switch {
		case current == "":
			current = frag.text
		case runeLen(current)+1+runeLen(frag.text) <= s.maxChars:
			current += " " + frag.text
		default:
			flush()

			current = frag.text
		}

		if frag.closesSentence {
			flush()
		}
	}

	flush()

	return phrases
}

// splitWords packs the words of an oversized fragment. A single word longer
// than the limit is kept whole as its own phrase.
func (s *Segmenter) splitWords(text string) []string {
	var (
		phrases []string
		line    string
	)

	for _, word := range strings.Fields(text) {
		switch {
		case line == "":
			line = word
		case runeLen(line)+1+runeLen(word) <= s.maxChars:
			line += " " + word
		default:
			phrases = append(phrases, line)
			line = word
		}
	}

	if line != "" {
		phrases = append(phrases, line)
	}

	return phrases
}

func isBreak(char rune) bool {
	return char == comma || isSentenceFinal(char)
}

func isSentenceFinal(char rune) bool {
	switch char {
	case fullStop, exclamation, question, ellipsis:
		return true
	default:
		return false
	}
}

func runeLen(text string) int {
	return utf8.RuneCountInString(text)
}

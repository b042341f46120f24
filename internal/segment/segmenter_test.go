package segment_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/book-expert/narration-service/internal/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// segmentTestCase defines a standard table entry for the segmenter.
type segmentTestCase struct {
	name     string
	input    string
	maxChars int
	expected []string
}

func runSegmentTests(t *testing.T, tests []segmentTestCase) {
	t.Helper()

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			segmenter, err := segment.NewSegmenter(testCase.maxChars)
			require.NoError(t, err)

			assert.Equal(t, testCase.expected, segmenter.Segment(testCase.input))
		})
	}
}

func TestNewSegmenter_RejectsNonPositiveLimit(t *testing.T) {
	t.Parallel()

	_, err := segment.NewSegmenter(0)
	require.ErrorIs(t, err, segment.ErrMaxCharsNotPositive)

	_, err = segment.NewSegmenter(-3)
	require.ErrorIs(t, err, segment.ErrMaxCharsNotPositive)
}

func TestSegmenter_Segment_RussianScenario(t *testing.T) {
	t.Parallel()

	segmenter, err := segment.NewSegmenter(segment.DefaultMaxChars)
	require.NoError(t, err)
	assert.Equal(t, 45, segmenter.MaxChars())

	phrases := segmenter.Segment("Рассвет наступил. Город проснулся, шумный и яркий.")

	assert.Equal(t, []string{
		"Рассвет наступил.",
		"Город проснулся, шумный и яркий.",
	}, phrases)
}

func TestSegmenter_Segment_EmptyInput(t *testing.T) {
	t.Parallel()

	segmenter, err := segment.NewSegmenter(segment.DefaultMaxChars)
	require.NoError(t, err)

	for _, input := range []string{"", " ", "\n\t  \r\n"} {
		assert.Empty(t, segmenter.Segment(input), "input %q", input)
	}
}

func TestSegmenter_Segment_Packing(t *testing.T) {
	t.Parallel()

	tests := []segmentTestCase{
		{
			name:     "no punctuation keeps trailing fragment",
			input:    "Hello world",
			maxChars: 45,
			expected: []string{"Hello world"},
		},
		{
			name:     "commas pack until the limit",
			input:    "one, two, three",
			maxChars: 10,
			expected: []string{"one, two,", "three"},
		},
		{
			name:     "sentence end closes the phrase",
			input:    "Yes. No.",
			maxChars: 45,
			expected: []string{"Yes.", "No."},
		},
		{
			name:     "line breaks become spaces",
			input:    "First line\nsecond   line.",
			maxChars: 45,
			expected: []string{"First line second line."},
		},
		{
			name:     "decimal numbers are not cut",
			input:    "It costs 3.5 dollars.",
			maxChars: 45,
			expected: []string{"It costs 3.5 dollars."},
		},
		{
			name:     "punctuation runs stay together",
			input:    "Wait... what?!",
			maxChars: 45,
			expected: []string{"Wait...", "what?!"},
		},
	}

	runSegmentTests(t, tests)
}

func TestSegmenter_Segment_HardSplit(t *testing.T) {
	t.Parallel()

	tests := []segmentTestCase{
		{
			name:     "oversized fragment split on words",
			input:    "alpha beta gamma delta.",
			maxChars: 10,
			expected: []string{"alpha beta", "gamma", "delta."},
		},
		{
			name:     "oversized word kept whole",
			input:    "supercalifragilistic is long",
			maxChars: 5,
			expected: []string{"supercalifragilistic", "is", "long"},
		},
		{
			name:     "pending phrase flushed before a hard split",
			input:    "Hi, this fragment is far too long.",
			maxChars: 12,
			expected: []string{"Hi,", "this", "fragment is", "far too", "long."},
		},
	}

	runSegmentTests(t, tests)
}

func TestSegmenter_Segment_Properties(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"Рассвет наступил. Город проснулся, шумный и яркий.",
		"Sometimes the quiet moments, the ones nobody films, say the most. Look closer!",
		"A very long sentence without any commas that keeps going well past any reasonable subtitle width for sure",
		"Short. Then a clause, then another clause, and yet another one, until the end?",
		"  leading and trailing  \n whitespace ,  odd spacing .",
		"Pneumonoultramicroscopicsilicovolcanoconiosis appears, rarely.",
	}

	for _, maxChars := range []int{10, 20, 45, 80} {
		segmenter, err := segment.NewSegmenter(maxChars)
		require.NoError(t, err)

		for _, input := range inputs {
			phrases := segmenter.Segment(input)
			require.NotEmpty(t, phrases, "input %q", input)

			normalized := strings.Join(strings.Fields(input), " ")
			assert.Equal(t, normalized, strings.Join(phrases, " "), "round trip for %q at %d", input, maxChars)

			for _, phrase := range phrases {
				assert.Equal(t, strings.TrimSpace(phrase), phrase)
				assert.NotEmpty(t, phrase)

				if utf8.RuneCountInString(phrase) > maxChars {
					assert.Len(t, strings.Fields(phrase), 1, "only a single long word may exceed the limit: %q", phrase)
				}
			}
		}
	}
}

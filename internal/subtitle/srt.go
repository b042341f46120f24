// Package subtitle models timed subtitle cues and reads and writes them in SRT format.
package subtitle

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Time decomposition constants.
const (
	millisPerSecond = 1000
	secondsPerMin   = 60
	minutesPerHour  = 60
	// truncationEpsilon absorbs binary float error (3661.234 is stored as 3661.2339999...).
	truncationEpsilon = 1e-6
)

// SRT layout.
const (
	timestampFormat = "%02d:%02d:%02d,%03d"
	arrow           = " --> "
	filePermissions = 0o600
)

// Errors for malformed SRT input.
var (
	ErrInvalidTimestamp = errors.New("invalid srt timestamp")
	ErrInvalidCue       = errors.New("invalid srt cue")
)

// Cue is one timed subtitle entry. Start and End are in seconds.
type Cue struct {
	Index int
	Start float64
	End   float64
	Text  string
}

// Duration returns the on-screen length of the cue.
func (c Cue) Duration() float64 {
	return c.End - c.Start
}

// ZeroWidth reports whether the cue occupies no time at all.
func (c Cue) ZeroWidth() bool {
	return c.End <= c.Start
}

// Timeline is the ordered sequence of cues covering a narration.
type Timeline struct {
	Cues     []Cue
	PauseGap float64
}

// End returns the end time of the last cue, which is also the length of the
// assembled narration track.
func (t Timeline) End() float64 {
	if len(t.Cues) == 0 {
		return 0
	}

	return t.Cues[len(t.Cues)-1].End
}

// Len returns the number of cues.
func (t Timeline) Len() int {
	return len(t.Cues)
}

// FormatTimestamp renders seconds as HH:MM:SS,mmm, truncating to the millisecond.
// Negative values are clamped to zero.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}

	totalMillis := int64(math.Floor(seconds*millisPerSecond + truncationEpsilon))
	millis := totalMillis % millisPerSecond
	totalSeconds := totalMillis / millisPerSecond
	secs := totalSeconds % secondsPerMin
	totalMinutes := totalSeconds / secondsPerMin
	minutes := totalMinutes % minutesPerHour
	hours := totalMinutes / minutesPerHour

	return fmt.Sprintf(timestampFormat, hours, minutes, secs, millis)
}

// ParseTimestamp converts an HH:MM:SS,mmm timestamp back into seconds.
// A period is accepted in place of the comma.
func ParseTimestamp(value string) (float64, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), ".", ",")

	clock, millisText, found := strings.Cut(value, ",")
	if !found {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}

	hours, errH := strconv.Atoi(parts[0])
	minutes, errM := strconv.Atoi(parts[1])
	secs, errS := strconv.Atoi(parts[2])
	millis, errMS := strconv.Atoi(millisText)

	if errH != nil || errM != nil || errS != nil || errMS != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
	}

	whole := hours*secondsPerMin*minutesPerHour + minutes*secondsPerMin + secs

	return float64(whole) + float64(millis)/millisPerSecond, nil
}

// FormatCue renders a single cue block including its trailing blank line.
func FormatCue(cue Cue) string {
	return fmt.Sprintf("%d\n%s%s%s\n%s\n\n",
		cue.Index, FormatTimestamp(cue.Start), arrow, FormatTimestamp(cue.End), cue.Text)
}

// Writer streams cues to an SRT file as they are produced.
type Writer struct {
	file   *os.File
	buffer *bufio.Writer
	path   string
	count  int
}

// Create opens (truncating) an SRT file for writing.
func Create(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create subtitle file %s: %w", path, err)
	}

	return &Writer{
		file:   file,
		buffer: bufio.NewWriter(file),
		path:   path,
	}, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Count returns the number of cues written so far.
func (w *Writer) Count() int {
	return w.count
}

// Write appends one cue block.
func (w *Writer) Write(cue Cue) error {
	_, err := w.buffer.WriteString(FormatCue(cue))
	if err != nil {
		return fmt.Errorf("failed to write cue %d: %w", cue.Index, err)
	}

	w.count++

	return nil
}

// Close flushes buffered cues and closes the file.
func (w *Writer) Close() error {
	flushErr := w.buffer.Flush()
	closeErr := w.file.Close()

	if flushErr != nil {
		return fmt.Errorf("failed to flush subtitle file %s: %w", w.path, flushErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close subtitle file %s: %w", w.path, closeErr)
	}

	return nil
}

// Parse reads SRT cue blocks from r.
func Parse(r io.Reader) ([]Cue, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read srt: %w", err)
	}

	content := strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
	if content == "" {
		return nil, nil
	}

	blocks := strings.Split(content, "\n\n")
	cues := make([]Cue, 0, len(blocks))

	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		cue, parseErr := parseBlock(block)
		if parseErr != nil {
			return nil, parseErr
		}

		cues = append(cues, cue)
	}

	return cues, nil
}

func parseBlock(block string) (Cue, error) {
	lines := strings.Split(block, "\n")
	if len(lines) < 2 {
		return Cue{}, fmt.Errorf("%w: %q", ErrInvalidCue, block)
	}

	index, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Cue{}, fmt.Errorf("%w: bad index %q", ErrInvalidCue, lines[0])
	}

	startText, endText, found := strings.Cut(lines[1], "-->")
	if !found {
		return Cue{}, fmt.Errorf("%w: missing arrow in %q", ErrInvalidCue, lines[1])
	}

	start, err := ParseTimestamp(startText)
	if err != nil {
		return Cue{}, err
	}

	end, err := ParseTimestamp(endText)
	if err != nil {
		return Cue{}, err
	}

	return Cue{
		Index: index,
		Start: start,
		End:   end,
		Text:  strings.Join(lines[2:], "\n"),
	}, nil
}

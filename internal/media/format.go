package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Encoding defaults matching the speech service's "mp3_44100_128" output.
const (
	DefaultOutputFormat = "mp3_44100_128"
	defaultChannels     = 1
	defaultBitDepth     = 16
)

// Quality validation limits.
const (
	maxSampleRate = 192000
	maxChannels   = 8
	maxBitrate    = 320
)

const (
	containerMP3 = "mp3"
	containerWAV = "wav"
	codecMP3     = "libmp3lame"
	codecPCM     = "pcm_s16le"
	prefixMP3    = "mp3"
	prefixPCM    = "pcm"
	wavHeaderLen = 44
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d"
	errFmtBitrateRange    = "%w: bitrate must be between 1 and %d kbps"
	errFmtUnknownFormat   = "%w: unsupported output format %q"
)

// ErrInvalidFormat is returned for unusable audio encoding settings.
var ErrInvalidFormat = errors.New("invalid audio format")

// AudioFormat describes how phrase audio is encoded. The silence clip used
// between phrases is rendered with the same parameters so the concat demuxer
// can copy every stream without re-encoding.
type AudioFormat struct {
	Name        string `json:"name"`
	Codec       string `json:"codec"`
	Container   string `json:"container"`
	SampleRate  int    `json:"sampleRate"`
	BitrateKbps int    `json:"bitrateKbps,omitempty"`
	Channels    int    `json:"channels"`
	BitDepth    int    `json:"bitDepth"`
}

// ParseOutputFormat maps a speech-service output format name such as
// "mp3_44100_128" or "pcm_24000" to encoding parameters.
func ParseOutputFormat(name string) (AudioFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultOutputFormat
	}

	parts := strings.Split(name, "_")

	var format AudioFormat

	switch {
	case parts[0] == prefixMP3 && len(parts) == 3:
		rate, rateErr := strconv.Atoi(parts[1])
		kbps, kbpsErr := strconv.Atoi(parts[2])

		if rateErr != nil || kbpsErr != nil {
			return AudioFormat{}, fmt.Errorf(errFmtUnknownFormat, ErrInvalidFormat, name)
		}

		format = AudioFormat{
			Name:        name,
			Codec:       codecMP3,
			Container:   containerMP3,
			SampleRate:  rate,
			BitrateKbps: kbps,
			Channels:    defaultChannels,
			BitDepth:    defaultBitDepth,
		}
	case parts[0] == prefixPCM && len(parts) == 2:
		rate, rateErr := strconv.Atoi(parts[1])
		if rateErr != nil {
			return AudioFormat{}, fmt.Errorf(errFmtUnknownFormat, ErrInvalidFormat, name)
		}

		format = AudioFormat{
			Name:       name,
			Codec:      codecPCM,
			Container:  containerWAV,
			SampleRate: rate,
			Channels:   defaultChannels,
			BitDepth:   defaultBitDepth,
		}
	default:
		return AudioFormat{}, fmt.Errorf(errFmtUnknownFormat, ErrInvalidFormat, name)
	}

	validateErr := format.Validate()
	if validateErr != nil {
		return AudioFormat{}, validateErr
	}

	return format, nil
}

// Validate checks that the settings are within reasonable bounds.
func (f AudioFormat) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, maxSampleRate)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, maxChannels)
	}

	if f.Codec == codecMP3 && (f.BitrateKbps <= 0 || f.BitrateKbps > maxBitrate) {
		return fmt.Errorf(errFmtBitrateRange, ErrInvalidFormat, maxBitrate)
	}

	return nil
}

// Extension returns the file extension for segments in this format, with the dot.
func (f AudioFormat) Extension() string {
	return "." + f.Container
}

// RawPCM reports whether the speech service returns headerless samples that
// must be wrapped before ffprobe can read them.
func (f AudioFormat) RawPCM() bool {
	return f.Codec == codecPCM
}

// channelLayout returns the anullsrc layout name.
func (f AudioFormat) channelLayout() string {
	if f.Channels == 1 {
		return "mono"
	}

	if f.Channels == 2 {
		return "stereo"
	}

	return strconv.Itoa(f.Channels) + "c"
}

// encodeArguments returns the ffmpeg output codec flags for this format.
func (f AudioFormat) encodeArguments() []string {
	args := []string{
		"-c:a", f.Codec,
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
	}

	if f.BitrateKbps > 0 {
		args = append(args, "-b:a", strconv.Itoa(f.BitrateKbps)+"k")
	}

	return args
}

// WrapPCM prefixes little-endian 16-bit samples with a canonical WAV header.
func (f AudioFormat) WrapPCM(samples []byte) []byte {
	bytesPerSample := f.BitDepth / 8
	blockAlign := f.Channels * bytesPerSample
	byteRate := f.SampleRate * blockAlign

	out := make([]byte, wavHeaderLen, wavHeaderLen+len(samples))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(samples)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitDepth))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(samples)))

	return append(out, samples...)
}

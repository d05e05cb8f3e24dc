// Package audio provides PCM decoding, format validation, WAV encoding and playback for narration.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Narration format produced by the speech model: 24 kHz mono signed 16-bit little-endian PCM.
const (
	NarrationSampleRate = 24000
	NarrationChannels   = 1
	NarrationBitDepth   = 16
)

// Quality validation limits.
const (
	MaxSampleRate = 192000
	MaxChannels   = 8
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz"
	errFmtBitDepthValues  = "%w: only 16-bit PCM is supported, got %d"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d"
	pcm16Scale            = 32768.0
	bytesPerSample        = 2
	wavHeaderSize         = 44
)

var (
	// ErrInvalidFormat indicates format settings outside the supported bounds.
	ErrInvalidFormat = errors.New("invalid audio format")
	// ErrEmptyAudio indicates there is no sample data to decode.
	ErrEmptyAudio = errors.New("audio data cannot be empty")
	// ErrTruncatedAudio indicates the data does not hold a whole number of frames.
	ErrTruncatedAudio = errors.New("audio data is not a whole number of frames")
)

// Format describes interleaved PCM sample data.
type Format struct {
	SampleRate int `json:"sampleRate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bitDepth"`
}

// NarrationFormat returns the format of synthesized narration audio.
func NarrationFormat() Format {
	return Format{
		SampleRate: NarrationSampleRate,
		Channels:   NarrationChannels,
		BitDepth:   NarrationBitDepth,
	}
}

// Validate checks that the format is within supported bounds.
func (f Format) Validate() error {
	sampleRateErr := validateSampleRate(f.SampleRate)
	if sampleRateErr != nil {
		return sampleRateErr
	}

	channelsErr := validateChannels(f.Channels)
	if channelsErr != nil {
		return channelsErr
	}

	if f.BitDepth != NarrationBitDepth {
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidFormat, f.BitDepth)
	}

	return nil
}

// Clip is decoded audio: one float32 slice per channel, samples in [-1, 1).
type Clip struct {
	Format   Format
	Channels [][]float32
}

// Frames returns the number of sample frames in the clip.
func (c *Clip) Frames() int {
	if len(c.Channels) == 0 {
		return 0
	}

	return len(c.Channels[0])
}

// Duration returns the playing time of the clip.
func (c *Clip) Duration() time.Duration {
	if c.Format.SampleRate <= 0 {
		return 0
	}

	return time.Duration(c.Frames()) * time.Second / time.Duration(c.Format.SampleRate)
}

// DecodePCM16 decodes interleaved signed 16-bit little-endian PCM into per-channel float samples.
func DecodePCM16(data []byte, format Format) (*Clip, error) {
	err := format.Validate()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}

	frameSize := bytesPerSample * format.Channels
	if len(data)%frameSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes, frame size %d", ErrTruncatedAudio, len(data), frameSize)
	}

	frameCount := len(data) / frameSize
	channels := make([][]float32, format.Channels)

	for channel := range channels {
		channels[channel] = make([]float32, frameCount)
	}

	for frame := 0; frame < frameCount; frame++ {
		for channel := 0; channel < format.Channels; channel++ {
			offset := (frame*format.Channels + channel) * bytesPerSample
			sample := int16(binary.LittleEndian.Uint16(data[offset:]))
			channels[channel][frame] = float32(sample) / pcm16Scale
		}
	}

	return &Clip{Format: format, Channels: channels}, nil
}

// EncodeWAV renders the clip as a 16-bit PCM RIFF/WAVE file.
func EncodeWAV(clip *Clip) ([]byte, error) {
	err := clip.Format.Validate()
	if err != nil {
		return nil, err
	}

	frames := clip.Frames()
	dataSize := frames * clip.Format.Channels * bytesPerSample
	blockAlign := clip.Format.Channels * bytesPerSample

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+dataSize))
	buf.WriteString("RIFF")
	writeLE(buf, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeLE(buf, uint32(16))
	writeLE(buf, uint16(1))
	writeLE(buf, uint16(clip.Format.Channels))
	writeLE(buf, uint32(clip.Format.SampleRate))
	writeLE(buf, uint32(clip.Format.SampleRate*blockAlign))
	writeLE(buf, uint16(blockAlign))
	writeLE(buf, uint16(NarrationBitDepth))
	buf.WriteString("data")
	writeLE(buf, uint32(dataSize))

	for frame := 0; frame < frames; frame++ {
		for channel := 0; channel < clip.Format.Channels; channel++ {
			writeLE(buf, toPCM16(clip.Channels[channel][frame]))
		}
	}

	return buf.Bytes(), nil
}

func toPCM16(sample float32) int16 {
	scaled := math.Round(float64(sample) * pcm16Scale)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}

	if scaled < math.MinInt16 {
		return math.MinInt16
	}

	return int16(scaled)
}

// writeLE cannot fail on a bytes.Buffer.
func writeLE(buf *bytes.Buffer, value any) {
	_ = binary.Write(buf, binary.LittleEndian, value)
}

func validateSampleRate(sampleRate int) error {
	if sampleRate <= 0 || sampleRate > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, MaxSampleRate)
	}

	return nil
}

func validateChannels(channels int) error {
	if channels <= 0 || channels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, MaxChannels)
	}

	return nil
}

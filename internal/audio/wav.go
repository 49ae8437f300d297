// Package audio decodes and encodes the WAV container used on both sides of
// a conversion and offers the small amount of signal plumbing the engine
// needs (down-mix, resample, up-mix).
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	appErr "github.com/xxxsen/rvcd/internal/pkg/errors"
)

const (
	formatPCM   = 1
	formatFloat = 3
	formatExt   = 0xFFFE
)

// Format describes a WAV stream without its samples.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Float         bool
	Frames        int
}

// Clip is interleaved float32 audio in [-1, 1].
type Clip struct {
	SampleRate int
	Channels   int
	Samples    []float32
}

func (c *Clip) Frames() int {
	if c == nil || c.Channels == 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

type chunk struct {
	id   string
	data []byte
}

func readChunks(data []byte) ([]chunk, error) {
	if len(data) == 0 {
		return nil, appErr.New(appErr.ErrInvalidAudio, "empty payload")
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, appErr.New(appErr.ErrInvalidAudio, "missing RIFF/WAVE header")
	}
	var chunks []chunk
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		start := pos + 8
		end := start + size
		if size < 0 || end > len(data) {
			// Streaming writers leave the data size unset; take what is there.
			if id == "data" {
				end = len(data)
			} else {
				return nil, appErr.Newf(appErr.ErrInvalidAudio, "chunk %q overruns payload", id)
			}
		}
		chunks = append(chunks, chunk{id: id, data: data[start:end]})
		pos = end + (end-start)%2
	}
	return chunks, nil
}

func parseFormat(chunks []chunk) (Format, []byte, error) {
	var (
		f       Format
		haveFmt bool
		pcm     []byte
		hasData bool
	)
	for _, ch := range chunks {
		switch ch.id {
		case "fmt ":
			if len(ch.data) < 16 {
				return f, nil, appErr.New(appErr.ErrInvalidAudio, "fmt chunk too short")
			}
			tag := binary.LittleEndian.Uint16(ch.data[0:2])
			f.Channels = int(binary.LittleEndian.Uint16(ch.data[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(ch.data[4:8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(ch.data[14:16]))
			if tag == formatExt && len(ch.data) >= 26 {
				tag = binary.LittleEndian.Uint16(ch.data[24:26])
			}
			switch tag {
			case formatPCM:
			case formatFloat:
				f.Float = true
			default:
				return f, nil, appErr.Newf(appErr.ErrInvalidAudio, "unsupported format tag %d", tag)
			}
			haveFmt = true
		case "data":
			pcm = ch.data
			hasData = true
		}
	}
	if !haveFmt {
		return f, nil, appErr.New(appErr.ErrInvalidAudio, "missing fmt chunk")
	}
	if !hasData {
		return f, nil, appErr.New(appErr.ErrInvalidAudio, "missing data chunk")
	}
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return f, nil, appErr.Newf(appErr.ErrInvalidAudio, "bad stream layout: %d channels at %d Hz", f.Channels, f.SampleRate)
	}
	switch {
	case !f.Float && (f.BitsPerSample == 16 || f.BitsPerSample == 24 || f.BitsPerSample == 32):
	case f.Float && f.BitsPerSample == 32:
	default:
		return f, nil, appErr.Newf(appErr.ErrInvalidAudio, "unsupported bit depth %d", f.BitsPerSample)
	}
	frameSize := f.Channels * f.BitsPerSample / 8
	f.Frames = len(pcm) / frameSize
	if f.Frames == 0 {
		return f, nil, appErr.New(appErr.ErrInvalidAudio, "no audio frames")
	}
	return f, pcm[:f.Frames*frameSize], nil
}

// Inspect validates the container and returns its format without
// converting samples.
func Inspect(data []byte) (Format, error) {
	chunks, err := readChunks(data)
	if err != nil {
		return Format{}, err
	}
	f, _, err := parseFormat(chunks)
	return f, err
}

func Decode(data []byte) (*Clip, error) {
	chunks, err := readChunks(data)
	if err != nil {
		return nil, err
	}
	f, pcm, err := parseFormat(chunks)
	if err != nil {
		return nil, err
	}
	width := f.BitsPerSample / 8
	samples := make([]float32, f.Frames*f.Channels)
	for i := range samples {
		b := pcm[i*width : (i+1)*width]
		switch {
		case f.Float:
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case width == 2:
			samples[i] = float32(int16(binary.LittleEndian.Uint16(b))) / 32768
		case width == 3:
			v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
			samples[i] = float32(v) / 8388608
		default:
			samples[i] = float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648
		}
	}
	return &Clip{SampleRate: f.SampleRate, Channels: f.Channels, Samples: samples}, nil
}

// Encode writes clip as 16-bit PCM.
func Encode(clip *Clip) ([]byte, error) {
	if clip == nil || clip.Channels <= 0 || clip.SampleRate <= 0 {
		return nil, fmt.Errorf("encode wav: invalid clip layout")
	}
	if len(clip.Samples) == 0 || len(clip.Samples)%clip.Channels != 0 {
		return nil, fmt.Errorf("encode wav: %d samples do not fill %d channels", len(clip.Samples), clip.Channels)
	}
	dataSize := len(clip.Samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	blockAlign := clip.Channels * 2
	header := []interface{}{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36 + dataSize),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(formatPCM),
		uint16(clip.Channels),
		uint32(clip.SampleRate),
		uint32(clip.SampleRate * blockAlign),
		uint16(blockAlign),
		uint16(16),
		[4]byte{'d', 'a', 't', 'a'},
		uint32(dataSize),
	}
	for _, field := range header {
		if err := binary.Write(buf, binary.LittleEndian, field); err != nil {
			return nil, fmt.Errorf("encode wav header: %w", err)
		}
	}
	pcm := make([]int16, len(clip.Samples))
	for i, s := range clip.Samples {
		pcm[i] = toPCM16(s)
	}
	if err := binary.Write(buf, binary.LittleEndian, pcm); err != nil {
		return nil, fmt.Errorf("encode wav data: %w", err)
	}
	return buf.Bytes(), nil
}

func toPCM16(s float32) int16 {
	if s != s {
		return 0
	}
	v := float64(s) * 32767
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}

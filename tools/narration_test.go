package tools

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wavFile(t *testing.T, format, channels, bits uint16, rate uint32, samples []byte, extraChunk bool) []byte {
	t.Helper()
	body := new(bytes.Buffer)

	body.WriteString("WAVE")
	if extraChunk {
		// A LIST chunk before fmt, as some encoders emit.
		body.WriteString("LIST")
		binary.Write(body, binary.LittleEndian, uint32(4))
		body.WriteString("INFO")
	}
	body.WriteString("fmt ")
	binary.Write(body, binary.LittleEndian, uint32(16))
	binary.Write(body, binary.LittleEndian, format)
	binary.Write(body, binary.LittleEndian, channels)
	binary.Write(body, binary.LittleEndian, rate)
	binary.Write(body, binary.LittleEndian, rate*uint32(channels)*uint32(bits)/8)
	binary.Write(body, binary.LittleEndian, channels*bits/8)
	binary.Write(body, binary.LittleEndian, bits)
	body.WriteString("data")
	binary.Write(body, binary.LittleEndian, uint32(len(samples)))
	body.Write(samples)

	out := new(bytes.Buffer)
	out.WriteString("RIFF")
	binary.Write(out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func TestParseWAV(t *testing.T) {
	samples := []byte{0x01, 0x02, 0x03, 0x04}

	t.Run("canonical mono", func(t *testing.T) {
		pcm, rate, channels, err := parseWAV(wavFile(t, 1, 1, 16, 22050, samples, false))
		require.NoError(t, err)
		assert.Equal(t, samples, pcm)
		assert.Equal(t, 22050, rate)
		assert.Equal(t, 1, channels)
	})

	t.Run("skips unrelated chunks", func(t *testing.T) {
		pcm, rate, channels, err := parseWAV(wavFile(t, 1, 2, 16, 44100, samples, true))
		require.NoError(t, err)
		assert.Equal(t, samples, pcm)
		assert.Equal(t, 44100, rate)
		assert.Equal(t, 2, channels)
	})

	t.Run("rejects non-PCM", func(t *testing.T) {
		_, _, _, err := parseWAV(wavFile(t, 3, 1, 16, 22050, samples, false))
		assert.ErrorContains(t, err, "unsupported audio format")
	})

	t.Run("rejects non-16-bit", func(t *testing.T) {
		_, _, _, err := parseWAV(wavFile(t, 1, 1, 8, 22050, samples, false))
		assert.ErrorContains(t, err, "unsupported bit depth")
	})

	t.Run("rejects non-WAV payload", func(t *testing.T) {
		_, _, _, err := parseWAV([]byte("<html>not audio</html>"))
		assert.Error(t, err)
	})

	t.Run("rejects truncated data chunk", func(t *testing.T) {
		full := wavFile(t, 1, 1, 16, 22050, samples, false)
		_, _, _, err := parseWAV(full[:len(full)-2])
		assert.ErrorContains(t, err, "truncated")
	})
}

package protocol

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEscapesDelimiters(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []byte
	}{
		{
			name:    "plain body untouched",
			payload: []byte{0x01, 0x10, 0xFF},
			want:    []byte{0x42, 0x01, 0x10, 0xFF, 0x43},
		},
		{
			name:    "start byte escaped",
			payload: []byte{0x42},
			want:    []byte{0x42, 0x44, 0x62, 0x43},
		},
		{
			name:    "end byte escaped",
			payload: []byte{0x43},
			want:    []byte{0x42, 0x44, 0x63, 0x43},
		},
		{
			name:    "escape byte escaped",
			payload: []byte{0x44},
			want:    []byte{0x42, 0x44, 0x64, 0x43},
		},
		{
			name:    "empty payload",
			payload: nil,
			want:    []byte{0x42, 0x43},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.payload))
		})
	}
}

func TestDecodeSingleFrame(t *testing.T) {
	payload, rest, ok, err := Decode([]byte{0x42, 0x10, 0x44, 0x62, 0x43, 0xAA})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0x10, 0x42}, payload)
	assert.Equal(t, []byte{0xAA}, rest)
}

func TestDecodePartialFrame(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"start only", []byte{0x42}},
		{"no end byte", []byte{0x42, 0x01, 0x02}},
		{"truncated escape", []byte{0x42, 0x01, 0x44}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok, err := Decode(tt.buf)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDecodeProtocolViolations(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{"leading garbage", []byte{0x00, 0x42, 0x43}, ErrLeadingGarbage},
		{"bad escape code", []byte{0x42, 0x44, 0x99, 0x43}, ErrBadEscape},
		{"bare start inside body", []byte{0x42, 0x01, 0x42, 0x43}, ErrBareDelimiter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := Decode(tt.buf)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// Framing must be a bijection: decode(encode(s)) == s for any body, and a
// concatenation of frames split at arbitrary read boundaries must decode to
// the original frame sequence.
func TestFramingRoundTripArbitraryPartitioning(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		frameCount := 1 + rng.Intn(5)
		payloads := make([][]byte, frameCount)
		var stream []byte
		for i := range payloads {
			p := make([]byte, rng.Intn(200))
			rng.Read(p)
			payloads[i] = p
			stream = append(stream, Encode(p)...)
		}

		dec := NewDecoder(0)
		var got [][]byte

		// Feed the stream in random-sized chunks.
		for off := 0; off < len(stream); {
			n := 1 + rng.Intn(17)
			if off+n > len(stream) {
				n = len(stream) - off
			}
			require.NoError(t, dec.Write(stream[off:off+n]))
			off += n

			for {
				payload, ok, err := dec.Next()
				require.NoError(t, err)
				if !ok {
					break
				}
				got = append(got, payload)
			}
		}

		require.Len(t, got, frameCount, "trial %d", trial)
		for i := range payloads {
			assert.True(t, bytes.Equal(payloads[i], got[i]), "trial %d frame %d", trial, i)
		}
		assert.Zero(t, dec.Buffered())
	}
}

func TestDecoderOverflow(t *testing.T) {
	dec := NewDecoder(16)
	require.NoError(t, dec.Write(make([]byte, 16)))

	err := dec.Write([]byte{0x00})
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestDecoderKeepsRemainderAcrossFrames(t *testing.T) {
	dec := NewDecoder(0)
	first := Encode([]byte("alpha"))
	second := Encode([]byte("beta"))

	joined := append(append([]byte{}, first...), second...)
	require.NoError(t, dec.Write(joined[:len(first)+3]))

	payload, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), payload)

	// Second frame is still incomplete.
	_, ok, err = dec.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, dec.Write(joined[len(first)+3:]))
	payload, ok, err = dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("beta"), payload)
}

func BenchmarkEncode(b *testing.B) {
	payload := bytes.Repeat([]byte{0x41, 0x42, 0x43, 0x44, 0x45}, 200)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Encode(payload)
	}
}

func BenchmarkDecode(b *testing.B) {
	frame := Encode(bytes.Repeat([]byte{0x41, 0x42, 0x43, 0x44, 0x45}, 200))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, ok, err := Decode(frame); err != nil || !ok {
			b.Fatal("decode failed")
		}
	}
}

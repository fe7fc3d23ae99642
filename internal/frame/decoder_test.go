package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTS = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func decodeAll(t *testing.T, ch ChannelID, chunks ...[]byte) ([]Frame, []error, *FrameBuffer) {
	t.Helper()
	dec, err := NewDecoder(ch)
	require.NoError(t, err)

	buf := NewFrameBuffer(256)
	var frames []Frame
	var errs []error
	for _, c := range chunks {
		buf.Append(c)
		f, e := dec.Decode(buf, testTS)
		frames = append(frames, f...)
		errs = append(errs, e...)
	}
	return frames, errs, buf
}

func TestThermalConstantGrid(t *testing.T) {
	stream := []byte{0x2a, 0x2a, 0x2a, 0x00, 0x00}
	for i := 0; i < ThermalPixels; i++ {
		stream = append(stream, 0x04, 0x00)
	}
	stream = append(stream, 0x0d, 0x0a)

	frames, errs, buf := decodeAll(t, Thermal, stream)

	require.Empty(t, errs, "constant grid MUST decode without framing errors")
	require.Len(t, frames, 1, "stream MUST yield exactly one frame")
	th, ok := frames[0].(*ThermalFrame)
	require.True(t, ok)
	for i, v := range th.Pixels {
		assert.Equal(t, 1.0, v, "pixel %d MUST be 4 x 0.25 degC", i)
	}
	assert.Equal(t, 0.0, th.Thermistor)
	assert.Equal(t, 0, buf.Len(), "decoded frame MUST be consumed")
}

func TestEnvironmentalPayload(t *testing.T) {
	payload := []byte{1, 50, 2, 30, 0, 0, 0, 0, 3, 0, 10, 25, 0, 5, 0, 0}

	frames, errs, _ := decodeAll(t, Environmental, payload)

	require.Empty(t, errs)
	require.Len(t, frames, 1)
	env := frames[0].(*EnvironmentalFrame)
	assert.InDelta(t, 1.50, env.Pm1p0, 1e-9)
	assert.InDelta(t, 2.30, env.Pm2p5, 1e-9)
	assert.InDelta(t, 0.00, env.Pm10, 1e-9, "Pm10 MUST come from bytes 6-7")
	assert.InDelta(t, 3.00, env.Humidity, 1e-9, "Humidity MUST come from bytes 8-9")
	assert.InDelta(t, 10.25, env.Temperature, 1e-9, "Temperature MUST come from bytes 10-11")
	assert.InDelta(t, 0.05, env.VOC, 1e-9)
	assert.InDelta(t, 0.00, env.NOx, 1e-9)
	assert.Equal(t, []float64{env.Pm1p0, env.Pm2p5, env.Pm10, env.Temperature, env.Humidity, env.VOC, env.NOx}, env.Values())
}

func TestEnvironmentalShortPayload(t *testing.T) {
	frames, errs, buf := decodeAll(t, Environmental, []byte{1, 2, 3})

	assert.Empty(t, frames)
	require.Len(t, errs, 1)
	var fe *FramingError
	require.True(t, errors.As(errs[0], &fe))
	assert.Equal(t, ShortFrame, fe.Kind)
	assert.Equal(t, 0, buf.Len(), "an advertisement payload MUST be consumed whole")
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	t.Run("capacitive", func(t *testing.T) {
		var cells [CapacitiveCells]uint16
		for i := range cells {
			cells[i] = uint16(rng.Intn(1 << 16))
		}
		frames, errs, _ := decodeAll(t, Capacitive, EncodeCapacitive(cells))
		require.Empty(t, errs)
		require.Len(t, frames, 1)
		assert.Equal(t, cells, frames[0].(*CapacitiveFrame).Cells)
	})

	t.Run("strain", func(t *testing.T) {
		gauges := [StrainGauges]uint8{0, 41, 200, 255}
		frames, errs, _ := decodeAll(t, Strain, EncodeStrain(gauges))
		require.Empty(t, errs)
		require.Len(t, frames, 1)
		assert.Equal(t, gauges, frames[0].(*StrainFrame).Gauges)
		assert.Equal(t, []float64{0, 41, 200, 255}, frames[0].Values())
	})

	t.Run("piezo", func(t *testing.T) {
		sensors := [PiezoSensors]uint16{0x0102, 0xfffe, 0, 513}
		raw := EncodePiezo(sensors)
		assert.Equal(t, []byte{0x01, 0x02}, raw[2:4], "piezo words MUST be big-endian on the wire")
		frames, errs, _ := decodeAll(t, Piezo, raw)
		require.Empty(t, errs)
		require.Len(t, frames, 1)
		assert.Equal(t, sensors, frames[0].(*PiezoFrame).Sensors)
		assert.Equal(t, raw, frames[0].Raw())
	})

	t.Run("thermal", func(t *testing.T) {
		var pixels [ThermalPixels]float64
		for i := range pixels {
			pixels[i] = float64(rng.Intn(800)-200) * ThermalScale
		}
		raw, err := EncodeThermal(pixels, -12.5)
		require.NoError(t, err)
		frames, errs, _ := decodeAll(t, Thermal, raw)
		require.Empty(t, errs)
		require.Len(t, frames, 1)
		th := frames[0].(*ThermalFrame)
		assert.Equal(t, pixels, th.Pixels)
		assert.Equal(t, -12.5, th.Thermistor)
	})

	t.Run("environmental", func(t *testing.T) {
		raw, err := EncodeEnvironmental(12.34, 5.6, 255.99, 21.07, 48.5, 101, 0.01)
		require.NoError(t, err)
		frames, errs, _ := decodeAll(t, Environmental, raw)
		require.Empty(t, errs)
		require.Len(t, frames, 1)
		want := []float64{12.34, 5.6, 255.99, 21.07, 48.5, 101, 0.01}
		for i, v := range frames[0].Values() {
			assert.InDelta(t, want[i], v, 0.005, "%s MUST survive within 0.01 resolution", EnvironmentalFields[i])
		}
	})
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	_, err := EncodeEnvironmental(256, 0, 0, 0, 0, 0, 0)
	assert.Error(t, err)
	_, err = EncodeEnvironmental(0, -1, 0, 0, 0, 0, 0)
	assert.Error(t, err)

	var pixels [ThermalPixels]float64
	pixels[3] = 9000
	_, err = EncodeThermal(pixels, 0)
	assert.Error(t, err)
}

func TestPartialFrameIsKept(t *testing.T) {
	raw := EncodeCapacitive([CapacitiveCells]uint16{1, 2, 3})

	frames, errs, buf := decodeAll(t, Capacitive, raw[:10])
	assert.Empty(t, frames)
	assert.Empty(t, errs)
	assert.Equal(t, 10, buf.Len(), "trailing partial frame MUST stay buffered")

	dec, _ := NewDecoder(Capacitive)
	buf.Append(raw[10:])
	frames, errs = dec.Decode(buf, testTS)
	assert.Empty(t, errs)
	require.Len(t, frames, 1)
	assert.Equal(t, uint16(3), frames[0].(*CapacitiveFrame).Cells[2])
}

func TestSplitTwoByteMarker(t *testing.T) {
	raw := EncodePiezo([PiezoSensors]uint16{7, 8, 9, 10})
	noise := []byte{0x00, 0x13, '-'}

	// The first chunk ends with half of the start marker.
	frames, errs, _ := decodeAll(t, Piezo, noise, append([]byte{}, raw[1:]...))
	assert.Empty(t, errs)
	require.Len(t, frames, 1, "a start marker split across chunks MUST still frame")
	assert.Equal(t, [PiezoSensors]uint16{7, 8, 9, 10}, frames[0].(*PiezoFrame).Sensors)
}

func TestResyncAfterBadFrame(t *testing.T) {
	tests := []struct {
		name   string
		ch     ChannelID
		good   []byte
		broken []byte
	}{
		{
			name:   "strain with wrong end marker",
			ch:     Strain,
			good:   EncodeStrain([StrainGauges]uint8{9, 8, 7, 6}),
			broken: []byte{'(', 1, 2, 3, 4, 'X'},
		},
		{
			name:   "capacitive truncated by a new frame",
			ch:     Capacitive,
			good:   EncodeCapacitive([CapacitiveCells]uint16{0xAAAA}),
			broken: []byte{'<', 1, 2, 3, 4, 5},
		},
		{
			name:   "piezo missing trailer",
			ch:     Piezo,
			good:   EncodePiezo([PiezoSensors]uint16{1, 1, 2, 3}),
			broken: []byte{'-', '>', 0, 0, 0, 0, 0, 0, 0, 0, 'x', 'x'},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := append(append(append([]byte{}, tt.good...), tt.broken...), tt.good...)
			frames, errs, buf := decodeAll(t, tt.ch, stream)

			require.Len(t, frames, 2, "both intact frames MUST decode")
			assert.Equal(t, tt.good, frames[0].Raw())
			assert.Equal(t, tt.good, frames[1].Raw())
			require.NotEmpty(t, errs, "the broken frame MUST be reported")
			for _, e := range errs {
				assert.ErrorIs(t, e, ErrFraming)
			}
			assert.Equal(t, 0, buf.Len())
		})
	}
}

func TestThermalMultipleHeadersPerChunk(t *testing.T) {
	var a, b [ThermalPixels]float64
	for i := range a {
		a[i] = 20
		b[i] = -3.25
	}
	fa, err := EncodeThermal(a, 25)
	require.NoError(t, err)
	fb, err := EncodeThermal(b, 25)
	require.NoError(t, err)

	// Ring-buffer style transmission: garbage, a frame, a corrupted frame, a frame, half a frame.
	corrupt := append([]byte{}, fa...)
	corrupt[len(corrupt)-1] = 0x00
	var stream []byte
	stream = append(stream, 0x11, 0x2a, 0x99)
	stream = append(stream, fa...)
	stream = append(stream, corrupt...)
	stream = append(stream, fb...)
	stream = append(stream, fa[:40]...)

	frames, errs, buf := decodeAll(t, Thermal, stream)

	require.Len(t, frames, 2)
	assert.Equal(t, 20.0, frames[0].Values()[0])
	assert.Equal(t, -3.25, frames[1].Values()[63])
	assert.Len(t, errs, 1, "the corrupted trailer MUST produce one framing error")
	assert.Equal(t, 40, buf.Len(), "half frame MUST wait for more data")
}

func TestDecodersSurviveGarbage(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []byte{'<', '>', '(', ')', '-', '>', '<', '-', 0x2a, 0x0d, 0x0a, 0x00, 0xff}

	for ch := ChannelID(0); ch < NumChannels; ch++ {
		t.Run(ch.String(), func(t *testing.T) {
			dec, err := NewDecoder(ch)
			require.NoError(t, err)
			buf := NewFrameBuffer(64)

			for round := 0; round < 500; round++ {
				n := rng.Intn(300)
				chunk := make([]byte, n)
				for i := range chunk {
					if rng.Intn(3) == 0 {
						chunk[i] = alphabet[rng.Intn(len(alphabet))]
					} else {
						chunk[i] = byte(rng.Intn(256))
					}
				}
				buf.Append(chunk)
				require.NotPanics(t, func() {
					frames, _ := dec.Decode(buf, testTS)
					for _, f := range frames {
						assert.Equal(t, ch, f.Channel())
					}
				})
				assert.LessOrEqual(t, buf.Len(), ThermalFrameLen, "buffer MUST never hold more than one partial frame")
			}
		})
	}
}

func TestFramesFollowStreamOrder(t *testing.T) {
	var stream []byte
	for i := 0; i < 50; i++ {
		stream = append(stream, EncodeStrain([StrainGauges]uint8{uint8(i)})...)
	}
	// Deliver in awkward chunk sizes.
	var chunks [][]byte
	for len(stream) > 0 {
		n := 7
		if n > len(stream) {
			n = len(stream)
		}
		chunks = append(chunks, stream[:n])
		stream = stream[n:]
	}

	frames, errs, _ := decodeAll(t, Strain, chunks...)

	require.Empty(t, errs)
	require.Len(t, frames, 50)
	for i, f := range frames {
		assert.Equal(t, float64(i), f.Values()[0], "frame %d MUST keep stream order", i)
	}
}

func TestFrameBufferConsume(t *testing.T) {
	buf := NewFrameBuffer(4)
	buf.Append([]byte("abcdef"))
	buf.Consume(2)
	assert.True(t, bytes.Equal([]byte("cdef"), buf.Bytes()))
	buf.Consume(-1)
	assert.Equal(t, 4, buf.Len())
	buf.Consume(10)
	assert.Equal(t, 0, buf.Len())
	buf.Append([]byte("x"))
	buf.Reset()
	assert.Equal(t, 0, buf.Len())
}

func TestChannelNames(t *testing.T) {
	for ch := ChannelID(0); ch < NumChannels; ch++ {
		parsed, err := ParseChannel(ch.String())
		require.NoError(t, err)
		assert.Equal(t, ch, parsed)
	}
	_, err := ParseChannel("sonar")
	assert.Error(t, err)
	assert.Len(t, Thermal.ValueNames(), ThermalPixels)
	assert.Equal(t, EnvironmentalFields, Environmental.ValueNames())
	assert.False(t, NumChannels.Valid())
}

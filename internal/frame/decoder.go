package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Decoder turns the bytes accumulated for one channel into frames.
//
// Decode produces every complete frame currently in buf and consumes it, leaving a
// trailing partial frame for the next call. A malformed candidate yields one
// *FramingError and scanning resumes at the next byte, so one bad frame never
// desynchronizes the stream.
type Decoder interface {
	Channel() ChannelID
	Decode(buf *FrameBuffer, ts time.Time) ([]Frame, []error)
}

var (
	capacitiveStart = []byte{'<'}
	capacitiveEnd   = []byte{'>'}
	strainStart     = []byte{'('}
	strainEnd       = []byte{')'}
	piezoStart      = []byte{'-', '>'}
	piezoEnd        = []byte{'<', '-'}
	thermalHeader   = []byte{0x2a, 0x2a, 0x2a}
	thermalTrailer  = []byte{0x0d, 0x0a}
)

// NewDecoder returns the decoder for ch.
func NewDecoder(ch ChannelID) (Decoder, error) {
	switch ch {
	case Capacitive:
		return &markerDecoder{channel: ch, start: capacitiveStart, end: capacitiveEnd, size: CapacitiveFrameLen, parse: parseCapacitive}, nil
	case Strain:
		return &markerDecoder{channel: ch, start: strainStart, end: strainEnd, size: StrainFrameLen, parse: parseStrain}, nil
	case Piezo:
		return &markerDecoder{channel: ch, start: piezoStart, end: piezoEnd, size: PiezoFrameLen, parse: parsePiezo}, nil
	case Thermal:
		return &markerDecoder{channel: ch, start: thermalHeader, end: thermalTrailer, size: ThermalFrameLen, parse: parseThermal}, nil
	case Environmental:
		return &environmentalDecoder{}, nil
	default:
		return nil, fmt.Errorf("no decoder for %s", ch)
	}
}

// ----------------------------
// Marker-delimited protocols
// ----------------------------

// markerDecoder handles every fixed-size protocol framed by a start and an end marker.
type markerDecoder struct {
	channel ChannelID
	start   []byte
	end     []byte
	size    int
	parse   func(frame []byte, h header) Frame
}

func (d *markerDecoder) Channel() ChannelID { return d.channel }

func (d *markerDecoder) Decode(buf *FrameBuffer, ts time.Time) ([]Frame, []error) {
	var (
		frames []Frame
		errs   []error
	)
	data := buf.Bytes()
	pos := 0

	for pos < len(data) {
		idx := bytes.Index(data[pos:], d.start)
		if idx < 0 {
			// Keep a tail that may be the beginning of a split start marker.
			pos = len(data) - partialPrefix(data[pos:], d.start)
			break
		}
		pos += idx

		if len(data)-pos < d.size {
			break
		}

		candidate := data[pos : pos+d.size]
		if !bytes.HasSuffix(candidate, d.end) {
			errs = append(errs, &FramingError{
				Channel: d.channel,
				Kind:    BadMarker,
				Offset:  pos,
				Msg:     fmt.Sprintf("expected end marker %x, got %x", d.end, candidate[d.size-len(d.end):]),
			})
			pos++
			continue
		}

		f, err := d.safeParse(candidate, ts, pos)
		if err != nil {
			errs = append(errs, err)
		} else {
			frames = append(frames, f)
		}
		pos += d.size
	}

	buf.Consume(pos)
	return frames, errs
}

func (d *markerDecoder) safeParse(candidate []byte, ts time.Time, offset int) (f Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = &FramingError{Channel: d.channel, Kind: DecodeFault, Offset: offset, Msg: fmt.Sprint(r)}
		}
	}()
	return d.parse(candidate, newHeader(candidate, ts)), nil
}

// partialPrefix returns the length of the longest suffix of data that is a proper prefix of marker.
func partialPrefix(data, marker []byte) int {
	n := len(marker) - 1
	if n > len(data) {
		n = len(data)
	}
	for ; n > 0; n-- {
		if bytes.Equal(data[len(data)-n:], marker[:n]) {
			return n
		}
	}
	return 0
}

func parseCapacitive(b []byte, h header) Frame {
	f := &CapacitiveFrame{header: h}
	payload := b[len(capacitiveStart):]
	for i := range f.Cells {
		f.Cells[i] = binary.LittleEndian.Uint16(payload[i*2:])
	}
	return f
}

func parseStrain(b []byte, h header) Frame {
	f := &StrainFrame{header: h}
	copy(f.Gauges[:], b[len(strainStart):])
	return f
}

// Piezo firmware sends big-endian words, unlike the capacitive channel.
func parsePiezo(b []byte, h header) Frame {
	f := &PiezoFrame{header: h}
	payload := b[len(piezoStart):]
	for i := range f.Sensors {
		f.Sensors[i] = binary.BigEndian.Uint16(payload[i*2:])
	}
	return f
}

func parseThermal(b []byte, h header) Frame {
	f := &ThermalFrame{header: h}
	th := b[len(thermalHeader):]
	f.Thermistor = decodeThermistor(th[0], th[1])
	pixels := th[2:]
	for i := range f.Pixels {
		f.Pixels[i] = float64(int16(binary.LittleEndian.Uint16(pixels[i*2:]))) * ThermalScale
	}
	return f
}

// decodeThermistor reads the 12-bit sign-magnitude board temperature.
func decodeThermistor(lo, hi byte) float64 {
	magnitude := int(hi&0x07)<<8 | int(lo)
	v := float64(magnitude) * ThermistorScale
	if hi&0x08 != 0 {
		return -v
	}
	return v
}

// ----------------------------
// Environmental advertisement
// ----------------------------

// environmentalDecoder treats everything buffered as one advertisement payload.
type environmentalDecoder struct{}

func (d *environmentalDecoder) Channel() ChannelID { return Environmental }

func (d *environmentalDecoder) Decode(buf *FrameBuffer, ts time.Time) ([]Frame, []error) {
	data := buf.Bytes()
	if len(data) == 0 {
		return nil, nil
	}
	defer buf.Reset()

	if len(data) < EnvironmentalFrameLen {
		return nil, []error{&FramingError{
			Channel: Environmental,
			Kind:    ShortFrame,
			Msg:     fmt.Sprintf("payload has %d bytes, need %d", len(data), EnvironmentalFrameLen),
		}}
	}

	payload := data[:EnvironmentalFrameLen]
	fixed := func(i int) float64 {
		return float64(payload[i]) + float64(payload[i+1])/100.0
	}
	// Bytes 4-5 carry PM4.0, which the firmware sends but nothing records.
	f := &EnvironmentalFrame{
		header:      newHeader(payload, ts),
		Pm1p0:       fixed(0),
		Pm2p5:       fixed(2),
		Pm10:        fixed(6),
		Humidity:    fixed(8),
		Temperature: fixed(10),
		VOC:         fixed(12),
		NOx:         fixed(14),
	}
	return []Frame{f}, nil
}

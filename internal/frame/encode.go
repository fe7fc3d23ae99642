package frame

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeCapacitive renders cells in the capacitive wire format.
func EncodeCapacitive(cells [CapacitiveCells]uint16) []byte {
	out := make([]byte, 0, CapacitiveFrameLen)
	out = append(out, capacitiveStart...)
	for _, v := range cells {
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	return append(out, capacitiveEnd...)
}

// EncodeStrain renders gauges in the strain wire format.
func EncodeStrain(gauges [StrainGauges]uint8) []byte {
	out := make([]byte, 0, StrainFrameLen)
	out = append(out, strainStart...)
	out = append(out, gauges[:]...)
	return append(out, strainEnd...)
}

// EncodePiezo renders sensors in the piezo wire format.
func EncodePiezo(sensors [PiezoSensors]uint16) []byte {
	out := make([]byte, 0, PiezoFrameLen)
	out = append(out, piezoStart...)
	for _, v := range sensors {
		out = binary.BigEndian.AppendUint16(out, v)
	}
	return append(out, piezoEnd...)
}

// EncodeThermal renders a grid of temperatures. Values are rounded to the nearest
// quarter degree and must fit a signed 16-bit raw reading.
func EncodeThermal(pixels [ThermalPixels]float64, thermistor float64) ([]byte, error) {
	out := make([]byte, 0, ThermalFrameLen)
	out = append(out, thermalHeader...)

	th := int(math.Round(math.Abs(thermistor) / ThermistorScale))
	if th > 0x7ff {
		return nil, fmt.Errorf("thermistor %.4f out of range", thermistor)
	}
	hi := byte(th >> 8)
	if thermistor < 0 {
		hi |= 0x08
	}
	out = append(out, byte(th), hi)

	for i, t := range pixels {
		raw := math.Round(t / ThermalScale)
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return nil, fmt.Errorf("pixel %d temperature %.2f out of range", i, t)
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(raw)))
	}
	return append(out, thermalTrailer...), nil
}

// EncodeEnvironmental renders readings as integer and hundredths byte pairs.
// Each value must lie in [0, 255.99]; PM4.0 is sent as zero.
func EncodeEnvironmental(pm1p0, pm2p5, pm10, temperature, humidity, voc, nox float64) ([]byte, error) {
	out := make([]byte, EnvironmentalFrameLen)
	put := func(i int, name string, v float64) error {
		cents := int(math.Round(v * 100))
		if cents < 0 || cents > 255*100+99 {
			return fmt.Errorf("%s %.2f out of range", name, v)
		}
		out[i] = byte(cents / 100)
		out[i+1] = byte(cents % 100)
		return nil
	}
	fields := []struct {
		offset int
		name   string
		value  float64
	}{
		{0, "Pm1p0", pm1p0},
		{2, "Pm2p5", pm2p5},
		{6, "Pm10", pm10},
		{8, "Humidity", humidity},
		{10, "Temperature", temperature},
		{12, "VOC", voc},
		{14, "NOx", nox},
	}
	for _, f := range fields {
		if err := put(f.offset, f.name, f.value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

package frame

import "time"

// Wire geometry of the supported protocols.
const (
	CapacitiveCells = 16
	StrainGauges    = 4
	PiezoSensors    = 4
	ThermalPixels   = 64

	CapacitiveFrameLen    = 1 + CapacitiveCells*2 + 1
	StrainFrameLen        = 1 + StrainGauges + 1
	PiezoFrameLen         = 2 + PiezoSensors*2 + 2
	ThermalFrameLen       = 3 + 2 + ThermalPixels*2 + 2
	EnvironmentalFrameLen = 16

	// ThermalScale converts a raw pixel to degrees Celsius.
	ThermalScale = 0.25
	// ThermistorScale converts the raw board thermistor to degrees Celsius.
	ThermistorScale = 0.0625
)

// Frame is one fully decoded, protocol-specific payload.
type Frame interface {
	Channel() ChannelID
	// Values returns the numeric readings in wire order.
	Values() []float64
	// Raw returns the exact bytes the frame was decoded from.
	Raw() []byte
	Timestamp() time.Time
}

type header struct {
	raw []byte
	ts  time.Time
}

func newHeader(raw []byte, ts time.Time) header {
	return header{raw: append([]byte(nil), raw...), ts: ts}
}

func (h header) Raw() []byte          { return h.raw }
func (h header) Timestamp() time.Time { return h.ts }

// CapacitiveFrame carries the 16 capacitive cells of a wood plank.
type CapacitiveFrame struct {
	header
	Cells [CapacitiveCells]uint16
}

func (f *CapacitiveFrame) Channel() ChannelID { return Capacitive }
func (f *CapacitiveFrame) Values() []float64 {
	out := make([]float64, len(f.Cells))
	for i, v := range f.Cells {
		out[i] = float64(v)
	}
	return out
}

// StrainFrame carries the 4 strain gauges of a wood plank.
type StrainFrame struct {
	header
	Gauges [StrainGauges]uint8
}

func (f *StrainFrame) Channel() ChannelID { return Strain }
func (f *StrainFrame) Values() []float64 {
	out := make([]float64, len(f.Gauges))
	for i, v := range f.Gauges {
		out[i] = float64(v)
	}
	return out
}

// PiezoFrame carries the 4 piezo sensors of a wood plank.
type PiezoFrame struct {
	header
	Sensors [PiezoSensors]uint16
}

func (f *PiezoFrame) Channel() ChannelID { return Piezo }
func (f *PiezoFrame) Values() []float64 {
	out := make([]float64, len(f.Sensors))
	for i, v := range f.Sensors {
		out[i] = float64(v)
	}
	return out
}

// ThermalFrame is one 8x8 temperature grid, row-major, in degrees Celsius.
type ThermalFrame struct {
	header
	Pixels [ThermalPixels]float64
	// Thermistor is the board temperature carried in the frame header.
	// Only the serial evaluation kit fills it; BLE firmware sends zero.
	Thermistor float64
}

func (f *ThermalFrame) Channel() ChannelID { return Thermal }
func (f *ThermalFrame) Values() []float64 {
	return append([]float64(nil), f.Pixels[:]...)
}

// EnvironmentalFrame holds the particulate, climate and gas readings of one advertisement.
type EnvironmentalFrame struct {
	header
	Pm1p0       float64
	Pm2p5       float64
	Pm10        float64
	Temperature float64
	Humidity    float64
	VOC         float64
	NOx         float64
}

func (f *EnvironmentalFrame) Channel() ChannelID { return Environmental }

// Values follows EnvironmentalFields order.
func (f *EnvironmentalFrame) Values() []float64 {
	return []float64{f.Pm1p0, f.Pm2p5, f.Pm10, f.Temperature, f.Humidity, f.VOC, f.NOx}
}

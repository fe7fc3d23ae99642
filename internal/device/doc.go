// Package device defines the transport-neutral view of a sensor: how to find it,
// how to open a link to it and how to receive its raw byte chunks, either pushed by
// the device or read on demand. Adapters live in sub-packages (go-ble, serial).
package device

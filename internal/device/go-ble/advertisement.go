package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/dart/internal/device"
)

// bleAdvertisement wraps ble.Advertisement to implement the device.Advertisement interface
type bleAdvertisement struct {
	adv ble.Advertisement
}

// NewAdvertisement adapts a go-ble advertisement.
func NewAdvertisement(adv ble.Advertisement) device.Advertisement {
	return &bleAdvertisement{adv: adv}
}

func (a *bleAdvertisement) LocalName() string        { return a.adv.LocalName() }
func (a *bleAdvertisement) ManufacturerData() []byte { return a.adv.ManufacturerData() }
func (a *bleAdvertisement) RSSI() int                { return a.adv.RSSI() }
func (a *bleAdvertisement) Addr() string             { return a.adv.Addr().String() }

func (a *bleAdvertisement) Services() []string {
	svcs := a.adv.Services()
	result := make([]string, len(svcs))
	for i, svc := range svcs {
		result[i] = svc.String()
	}
	return result
}

package ble

import (
	"fmt"
	"sync"

	"github.com/chaz8081/meshproxy/internal/proxy"
	"tinygo.org/x/bluetooth"
)

// Radio runs the connectable mesh advertisements chosen by the scheduler.
type Radio struct {
	adv *bluetooth.Advertisement

	mu      sync.Mutex
	running bool
}

// NewRadio uses the adapter's default advertisement instance.
func NewRadio(adapter *bluetooth.Adapter) *Radio {
	return &Radio{adv: adapter.DefaultAdvertisement()}
}

func (r *Radio) Start(a proxy.Advertisement) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	svc := bluetooth.New16BitUUID(a.ServiceUUID)
	err := r.adv.Configure(bluetooth.AdvertisementOptions{
		AdvertisementType: bluetooth.AdvertisingTypeInd,
		ServiceUUIDs:      []bluetooth.UUID{svc},
		ServiceData: []bluetooth.ServiceDataElement{
			{UUID: svc, Data: a.ServiceData},
		},
		Interval: bluetooth.NewDuration(a.Interval),
	})
	if err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := r.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	r.running = true
	return nil
}

func (r *Radio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	if err := r.adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	r.running = false
	return nil
}

var _ proxy.Advertiser = (*Radio)(nil)

package gap

import (
	"fmt"
	"math"
	"sync"
	"time"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
	"tinygo.org/x/bluetooth"
)

// scanStartGrace is how long a new scan may fail before it is considered
// started.
const scanStartGrace = 250 * time.Millisecond

// scanStopper is the part of *bluetooth.Adapter a running scan needs.
type scanStopper interface {
	StopScan() error
}

type scan struct {
	adapter scanStopper
	done    chan struct{}
}

// scanner runs LE scans through tinygo, one per controller.
type scanner struct {
	logger logging.Logger
	filter []bluetooth.UUID

	mu    sync.Mutex
	scans map[uint8]*scan
}

func newScanner(logger logging.Logger, filter []bluetooth.UUID) *scanner {
	return &scanner{logger: logger, filter: filter, scans: map[uint8]*scan{}}
}

func (s *scanner) start(index uint8, report func(Device)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scans[index]; ok {
		return errw.Errorf("already discovering on hci%d", index)
	}

	adapter := bluetooth.NewAdapter(fmt.Sprintf("hci%d", index))
	if err := adapter.Enable(); err != nil {
		return errw.Wrapf(err, "enabling hci%d", index)
	}

	sc := &scan{adapter: adapter, done: make(chan struct{})}
	errCh := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		defer close(sc.done)
		errCh <- adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !matchesFilter(result.HasServiceUUID, s.filter) {
				return
			}
			report(deviceFrom([6]byte(result.Address.MAC), result.Address.IsRandom(), result.RSSI, result.LocalName()))
		})
	})

	select {
	case err := <-errCh:
		if err == nil {
			err = errw.New("scan ended immediately")
		}
		return errw.Wrapf(err, "scanning on hci%d", index)
	case <-time.After(scanStartGrace):
	}
	s.scans[index] = sc
	goutils.PanicCapturingGo(func() {
		<-sc.done
		if err := <-errCh; err != nil {
			s.logger.Warn(errw.Wrapf(err, "scan on hci%d", index))
		}
	})
	return nil
}

// stop ends the scan on index. The scan stays tracked if StopScan fails so a
// later stop can retry.
func (s *scanner) stop(index uint8) error {
	s.mu.Lock()
	sc, ok := s.scans[index]
	if !ok {
		s.mu.Unlock()
		return errw.Errorf("not discovering on hci%d", index)
	}
	if err := sc.adapter.StopScan(); err != nil {
		s.mu.Unlock()
		return errw.Wrapf(err, "stopping scan on hci%d", index)
	}
	delete(s.scans, index)
	s.mu.Unlock()
	<-sc.done
	return nil
}

func (s *scanner) stopAll() {
	s.mu.Lock()
	indexes := make([]uint8, 0, len(s.scans))
	for idx := range s.scans {
		indexes = append(indexes, idx)
	}
	s.mu.Unlock()
	for _, idx := range indexes {
		if err := s.stop(idx); err != nil {
			s.logger.Warn(err)
		}
	}
}

// deviceFrom builds a discovery result. mac is least significant byte first,
// as tinygo and BTP both keep it.
func deviceFrom(mac [6]byte, random bool, rssi int16, name string) Device {
	d := Device{
		Address: Address{Type: AddrPublic, Addr: mac},
		HasRSSI: true,
		EIR:     nameEIR(name),
	}
	if random {
		d.Address.Type = AddrRandom
	}
	switch {
	case rssi < math.MinInt8:
		d.RSSI = math.MinInt8
	case rssi > math.MaxInt8:
		d.RSSI = math.MaxInt8
	default:
		d.RSSI = int8(rssi)
	}
	return d
}

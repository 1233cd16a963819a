package app

import (
	"context"
	"sync"
	"time"

	"guardbot/internal/eventbus"
	"guardbot/internal/storage"
	"guardbot/internal/transport"
	"guardbot/pkg/logx"
)

// Store keys (under the storage prefix) read by the dashboard.
const (
	keyStatus = "status"
	keyQRCode = "qrCode"
)

const stateWriteTimeout = 5 * time.Second

// State tracks the messaging connection and mirrors it to the store so the
// dashboard can show it. It is the transport's StatusListener.
type State struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu     sync.RWMutex
	status transport.Status
	qr     string
}

func NewState(store storage.Store, bus eventbus.Bus, log logx.Logger) *State {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &State{
		store:  store,
		bus:    bus,
		log:    log.With(logx.String("comp", "state")),
		status: transport.StatusConnecting,
	}
}

// OnStatus records a connection change. The QR code is kept only while
// pairing and cleared otherwise.
func (s *State) OnStatus(st transport.Status, qr string) {
	if st != transport.StatusPairing {
		qr = ""
	}
	s.mu.Lock()
	s.status, s.qr = st, qr
	s.mu.Unlock()

	s.log.Info("transport status", logx.String("status", string(st)), logx.Bool("qr", qr != ""))
	eventbus.Publish(s.bus, eventbus.TransportStatus, string(st))

	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stateWriteTimeout)
	defer cancel()
	if err := s.store.Set(ctx, keyStatus, string(st)); err != nil {
		s.log.Warn("could not persist status", logx.Err(err))
	}
	var err error
	if qr == "" {
		err = s.store.Del(ctx, keyQRCode)
	} else {
		err = s.store.Set(ctx, keyQRCode, qr)
	}
	if err != nil {
		s.log.Warn("could not persist qr code", logx.Err(err))
	}
}

// Current returns the last reported status and QR code.
func (s *State) Current() (transport.Status, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.qr
}

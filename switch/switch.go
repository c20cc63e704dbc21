package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/castlink/castlink/model"
	"github.com/rs/zerolog"
)

const defaultFwdTimeout = time.Second

// Switch owns the connection-ID -> wire mapping and pushes envelopes
// into client TX channels. It knows nothing about rooms; the router
// decides recipients and the switch only delivers.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	wires  map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
	}
}

func (sw *Switch) Connect(connID string, wire model.Wire) {
	sw.mx.Lock()
	sw.wires[connID] = wire
	sw.mx.Unlock()
	sw.logger.Debug().Str("connID", connID).Msg("endpoint connected")
}

func (sw *Switch) Disconnect(connID string) {
	sw.mx.Lock()
	delete(sw.wires, connID)
	sw.mx.Unlock()
	sw.logger.Debug().Str("connID", connID).Msg("endpoint disconnected")
}

// Count reports the number of registered connections.
func (sw *Switch) Count() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.wires)
}

// Send delivers an envelope to a single connection. Returns false if
// the connection is unknown or its TX channel did not accept the
// message before the forward timeout.
func (sw *Switch) Send(ctx context.Context, connID string, env model.Envelope) bool {
	sw.mx.RLock()
	wire, ok := sw.wires[connID]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("connID", connID).
			Str("type", env.Type).
			Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := sw.push(ctx, connID, env, wire.TX)
	return sent
}

// Fanout delivers an envelope to every listed connection.
func (sw *Switch) Fanout(ctx context.Context, env model.Envelope, connIDs []string) {
	var sent bool
	for _, connID := range connIDs {
		sw.mx.RLock()
		wire, ok := sw.wires[connID]
		sw.mx.RUnlock()
		if !ok {
			continue
		}
		ok, canceled := sw.push(ctx, connID, env, wire.TX)
		if canceled {
			return
		}
		if ok {
			sent = true
		}
	}
	if !sent && len(connIDs) > 0 {
		sw.logger.Debug().
			Str("type", env.Type).
			Str("src", env.SRC).
			Msg("fanout did not reach anyone")
	}
}

func (sw *Switch) push(ctx context.Context, connID string, env model.Envelope, tx chan<- model.Envelope) (bool, bool) {
	var sent, canceled bool
	t := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-t.C:
		sw.logger.Error().Str("connID", connID).Str("type", env.Type).Msg("dead endpoint")
	case tx <- env:
		sent = true
	}
	t.Stop()
	return sent, canceled
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
)

// pendingRequest is a prompt waiting for the platform to resolve it.
type pendingRequest struct {
	once sync.Once
	done chan struct{}
}

func (p *pendingRequest) resolve() {
	p.once.Do(func() { close(p.done) })
}

// adapterGate answers adapter readiness and permission questions.
type adapterGate struct {
	driver   device.Driver
	prompter device.Prompter
	poll     time.Duration
	logger   *logrus.Logger

	pending *hashmap.Map[string, *pendingRequest]
}

func newAdapterGate(driver device.Driver, prompter device.Prompter, poll time.Duration, logger *logrus.Logger) *adapterGate {
	return &adapterGate{
		driver:   driver,
		prompter: prompter,
		poll:     poll,
		logger:   logger,
		pending:  hashmap.New[string, *pendingRequest](),
	}
}

// adapterState reads the adapter state, waiting while the stack reports it as unknown.
func (g *adapterGate) adapterState(ctx context.Context) (device.AdapterState, error) {
	for {
		state, err := g.driver.AdapterState(ctx)
		if err != nil {
			return device.AdapterUnknown, err
		}
		if state != device.AdapterUnknown {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(g.poll):
		}
	}
}

func (g *adapterGate) isReady(ctx context.Context) bool {
	state, err := g.adapterState(ctx)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to read adapter state")
		return false
	}
	return state == device.AdapterPoweredOn
}

func (g *adapterGate) hasPermissions(ctx context.Context) bool {
	ok, err := g.driver.Permissions(ctx)
	if err != nil {
		g.logger.WithError(err).Warn("Failed to read Bluetooth permissions")
		return false
	}
	return ok
}

func (g *adapterGate) requestEnable(ctx context.Context) bool {
	if g.isReady(ctx) {
		return true
	}
	if !g.driver.Capabilities().CanRequestEnable || g.prompter == nil {
		return false
	}
	if !g.prompt(ctx, "adapter_enable", g.prompter.RequestAdapterEnable) {
		return false
	}
	return g.isReady(ctx)
}

func (g *adapterGate) requestPermissions(ctx context.Context) bool {
	if g.hasPermissions(ctx) {
		return true
	}
	if !g.driver.Capabilities().CanRequestPermissions || g.prompter == nil {
		return false
	}
	if !g.prompt(ctx, "permissions", g.prompter.RequestRuntimePermissions) {
		return false
	}
	return g.hasPermissions(ctx)
}

// prompt registers a correlation id, shows the prompt and waits for it to be resolved.
func (g *adapterGate) prompt(ctx context.Context, kind string, show func(requestID string) error) bool {
	id := uuid.NewString()
	req := &pendingRequest{done: make(chan struct{})}
	g.pending.Set(id, req)
	defer g.pending.Del(id)

	log := g.logger.WithFields(logrus.Fields{
		"request_id": id,
		"request":    kind,
	})
	log.Debug("Showing platform prompt")

	if err := show(id); err != nil {
		log.WithError(err).Warn("Failed to show platform prompt")
		return false
	}

	select {
	case <-req.done:
		log.Debug("Platform prompt resolved")
		return true
	case <-ctx.Done():
		log.WithError(ctx.Err()).Warn("Platform prompt abandoned")
		return false
	}
}

func (g *adapterGate) resolve(id string) bool {
	req, ok := g.pending.Get(id)
	if !ok {
		g.logger.WithField("request_id", id).Debug("Resolve for unknown request")
		return false
	}
	g.pending.Del(id)
	req.resolve()
	return true
}

// Package preferred discovers whether the preferred transport is usable and
// migrates the system, the local client and every peer onto it, falling back
// to the default transport when anything goes wrong.
package preferred

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/interlink/internal/bridge"
	"github.com/1ureka/interlink/internal/connection"
	"github.com/1ureka/interlink/internal/protocol"
	"github.com/1ureka/interlink/internal/sequelizer"
	"github.com/1ureka/interlink/internal/util"
)

// DefaultDiscoveryInterval separates discovery cycles.
const DefaultDiscoveryInterval = 30 * time.Second

// State is the controller's lifecycle state.
type State int

const (
	Idle State = iota
	PreflightChecking
	Switching
	Active
	RevertingToDefault
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PreflightChecking:
		return "preflight"
	case Switching:
		return "switching"
	case Active:
		return "active"
	case RevertingToDefault:
		return "reverting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Bridge is the part of the bridge the controller drives.
type Bridge interface {
	CheckClientsPreferredLogic(ctx context.Context) bridge.CheckResult
	CheckClientsPreferredConnection(ctx context.Context, url string, auth *protocol.Auth) bridge.CheckResult
	SwitchAllClientsTransport(ctx context.Context, settings protocol.SwitchSettings) error
	SetPreferredActivated(v bool)
}

// Switchable is a logical connection the controller migrates.
type Switchable interface {
	Switch(ctx context.Context, settings protocol.SwitchSettings) error
	State() protocol.TransportState
	OnDisconnected(cb func(protocol.TransportState)) (unsubscribe func())
}

// Options wires a Controller to the host.
type Options struct {
	System Switchable // required
	Client Switchable // optional local client-role connection
	Bridge Bridge     // required

	// Probe opens a raw socket to the candidate. Defaults to a websocket
	// dial through connection.Probe.
	Probe func(ctx context.Context, url string, auth *protocol.Auth) error

	SwitchTimeout     time.Duration // bounds each system or client switch, 10s
	MinSwitchInterval time.Duration // spacing between client switches
}

// Config selects the preferred endpoint.
type Config struct {
	URL                   string
	Auth                  *protocol.Auth
	DiscoveryInterval     time.Duration
	ForceIncompleteSwitch bool
}

// Controller runs the discovery loop. Client switches and rollbacks go
// through one sequelizer so two of them never overlap.
type Controller struct {
	system Switchable
	client Switchable
	bridge Bridge
	probe  func(ctx context.Context, url string, auth *protocol.Auth) error

	switchTimeout time.Duration
	seq           *sequelizer.Sequelizer

	mu      sync.Mutex
	state   State
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	unwatch func()
	lost    bool // system connection dropped while clients were switching
	started bool
	cycles  int

	reconnected util.Observers[protocol.TransportState]
}

func New(opts Options) *Controller {
	if opts.Probe == nil {
		opts.Probe = func(ctx context.Context, url string, auth *protocol.Auth) error {
			return connection.Probe(ctx, url, auth, nil)
		}
	}
	if opts.SwitchTimeout <= 0 {
		opts.SwitchTimeout = bridge.DefaultSwitchTimeout
	}
	return &Controller{
		system:        opts.System,
		client:        opts.Client,
		bridge:        opts.Bridge,
		probe:         opts.Probe,
		switchTimeout: opts.SwitchTimeout,
		seq:           sequelizer.New(sequelizer.WithMinInterval(opts.MinSwitchInterval)),
	}
}

// Start records cfg and runs the first discovery cycle before returning.
// Later cycles run on a timer until Stop or ctx is done.
func (c *Controller) Start(ctx context.Context, cfg Config) error {
	if cfg.URL == "" {
		return errors.New("preferred: missing url")
	}
	if err := protocol.SecondarySettings(cfg.URL, cfg.Auth).Validate(); err != nil {
		return fmt.Errorf("preferred: %w", err)
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("preferred: already started")
	}
	c.started = true
	c.cfg = cfg
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	util.LogInfo("preferred transport discovery started for %s (every %s)", cfg.URL, cfg.DiscoveryInterval)
	c.cycle()
	return nil
}

// Stop ends discovery. The current transport is left as it is.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cycles returns how many discovery cycles have started.
func (c *Controller) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// OnReconnect registers cb for every completed switch to the preferred
// transport and every completed rollback to the default one.
func (c *Controller) OnReconnect(cb func(protocol.TransportState)) (unsubscribe func()) {
	return c.reconnected.Add(cb)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		util.LogDebug("preferred: %s -> %s", prev, s)
	}
}

// schedule arms the next discovery cycle.
func (c *Controller) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	c.timer = time.AfterFunc(c.cfg.DiscoveryInterval, c.cycle)
}

func (c *Controller) cycle() {
	c.mu.Lock()
	ctx, cfg := c.ctx, c.cfg
	if ctx.Err() != nil || c.state != Idle {
		c.mu.Unlock()
		return
	}
	c.cycles++
	c.mu.Unlock()

	c.setState(PreflightChecking)
	if err := c.preflight(ctx, cfg); err != nil {
		util.LogInfo("preferred transport not ready: %v", err)
		c.setState(Idle)
		c.schedule()
		return
	}

	c.setState(Switching)
	settings := protocol.SecondarySettings(cfg.URL, cfg.Auth)

	sctx, cancel := context.WithTimeout(ctx, c.switchTimeout)
	err := c.system.Switch(sctx, settings)
	cancel()
	if err != nil {
		util.LogWarning("system switch to preferred transport failed: %v", err)
		c.setState(Idle)
		c.schedule()
		return
	}

	c.watch()

	err = c.switchClients(ctx, settings, cfg.ForceIncompleteSwitch)
	c.bridge.SetPreferredActivated(true)

	c.mu.Lock()
	lost := c.lost
	if err == nil && !lost {
		c.state = Active
	}
	c.mu.Unlock()

	if err != nil || lost {
		if err == nil {
			err = errors.New("system connection lost during client switch")
		}
		util.LogWarning("client switch failed, reverting to default transport: %v", err)
		c.rollback()
		c.schedule()
		return
	}
	util.LogDebug("preferred: %s -> %s", Switching, Active)

	state := c.system.State()
	util.LogInfo("switched to preferred transport %s", cfg.URL)
	c.reconnected.Notify(state)
}

// preflight gates a switch. A forced switch only requires the raw probe.
func (c *Controller) preflight(ctx context.Context, cfg Config) error {
	if err := c.probe(ctx, cfg.URL, cfg.Auth); err != nil {
		var unreachable *protocol.TransportUnreachableError
		if !errors.As(err, &unreachable) {
			err = &protocol.TransportUnreachableError{URL: cfg.URL, Err: err}
		}
		return err
	}
	if cfg.ForceIncompleteSwitch {
		return nil
	}

	if res := c.bridge.CheckClientsPreferredLogic(ctx); !res.Success {
		return fmt.Errorf("preferred logic check: %w", res.Err)
	}
	if res := c.bridge.CheckClientsPreferredConnection(ctx, cfg.URL, cfg.Auth); !res.Success {
		return fmt.Errorf("preferred connection check: %w", res.Err)
	}
	return nil
}

// switchClients moves the local client and every peer to settings at the
// same time. With force set, failures are logged and the switch counts as
// done for whoever made it.
func (c *Controller) switchClients(ctx context.Context, settings protocol.SwitchSettings, force bool) error {
	err := c.seq.Do(ctx, func(ctx context.Context) error {
		var g errgroup.Group
		if c.client != nil {
			g.Go(func() error {
				sctx, cancel := context.WithTimeout(ctx, c.switchTimeout)
				defer cancel()
				return c.client.Switch(sctx, settings)
			})
		}
		g.Go(func() error {
			return c.bridge.SwitchAllClientsTransport(ctx, settings)
		})
		return g.Wait()
	})
	if err != nil && force {
		util.LogWarning("incomplete switch forced through: %v", err)
		return nil
	}
	return err
}

// rollback returns the system, the local client and every peer to the
// default transport. Failures are only logged.
func (c *Controller) rollback() {
	c.mu.Lock()
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	c.mu.Unlock()

	c.setState(RevertingToDefault)
	c.bridge.SetPreferredActivated(false)

	ctx := context.WithoutCancel(c.ctx)
	def := protocol.DefaultSettings()

	err := c.seq.Do(ctx, func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, c.switchTimeout)
		defer cancel()

		var errs []error
		if err := c.system.Switch(sctx, def); err != nil {
			errs = append(errs, fmt.Errorf("system: %w", err))
		}

		var g errgroup.Group
		if c.client != nil {
			g.Go(func() error {
				if err := c.client.Switch(sctx, def); err != nil {
					return fmt.Errorf("client: %w", err)
				}
				return nil
			})
		}
		g.Go(func() error {
			if err := c.bridge.SwitchAllClientsTransport(ctx, def); err != nil {
				return fmt.Errorf("peers: %w", err)
			}
			return nil
		})
		errs = append(errs, g.Wait())
		return errors.Join(errs...)
	})
	if err != nil {
		util.LogError("rollback to default transport incomplete: %v", err)
	} else {
		util.LogInfo("reverted to default transport")
	}

	c.setState(Idle)
	c.reconnected.Notify(c.system.State())
}

// watch arms the disconnect watcher on the system connection.
func (c *Controller) watch() {
	var once sync.Once
	off := c.system.OnDisconnected(func(protocol.TransportState) {
		once.Do(func() { go c.disconnected() })
	})

	c.mu.Lock()
	c.unwatch = off
	c.lost = false
	c.mu.Unlock()
}

func (c *Controller) disconnected() {
	c.mu.Lock()
	switch c.state {
	case Switching:
		// cycle sees the flag once the client switch returns
		c.lost = true
		c.mu.Unlock()
		return
	case Active:
	default:
		c.mu.Unlock()
		return
	}
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	c.mu.Unlock()

	util.LogWarning("preferred transport lost, reverting to default transport")
	c.rollback()
	c.schedule()
}

package inbound

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/domain/directory"
)

type DispatcherConfig struct {
	// Host is the interface every port is bound on.
	Host            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Dispatcher manages one Router per port. A router is started with the first
// connector on its port and stopped when the last one is removed.
type Dispatcher struct {
	cfg      DispatcherConfig
	messages MessageService
	logger   zerolog.Logger

	mu      sync.Mutex
	routers map[int]*Router
}

func NewDispatcher(cfg DispatcherConfig, messages MessageService, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		messages: messages,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		routers:  make(map[int]*Router),
	}
}

// Listen starts receiving messages for c, processing them with app as user.
func (d *Dispatcher) Listen(c *connector.Connector, app Application, user *directory.User) error {
	if err := c.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	router, ok := d.routers[c.Port]
	if !ok {
		router = NewRouter(net.JoinHostPort(d.cfg.Host, strconv.Itoa(c.Port)), d.messages, d.logger)
		router.SetReadTimeout(d.cfg.ReadTimeout)
		if err := router.Start(); err != nil {
			d.logger.Error().Err(err).Int("port", c.Port).Str("connector", c.Name).Msg("failed to start listener")
			return fmt.Errorf("listen for %s: %w", c.Name, err)
		}
		d.routers[c.Port] = router
	}

	if _, err := router.Register(c, app, user); err != nil {
		if router.IsEmpty() {
			d.stopRouter(c.Port, router)
		}
		return err
	}
	return nil
}

// Stop stops receiving messages for c.
func (d *Dispatcher) Stop(c *connector.Connector) {
	d.mu.Lock()
	defer d.mu.Unlock()

	router, ok := d.routers[c.Port]
	if !ok {
		return
	}
	router.Deregister(c)
	if router.IsEmpty() {
		d.stopRouter(c.Port, router)
	}
}

// Statistics returns the statistics of every registered connector, ordered
// by port.
func (d *Dispatcher) Statistics() []Statistics {
	d.mu.Lock()
	ports := make([]int, 0, len(d.routers))
	for port := range d.routers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	var out []Statistics
	for _, port := range ports {
		for _, rec := range d.routers[port].Receivers() {
			out = append(out, rec.Statistics())
		}
	}
	d.mu.Unlock()
	return out
}

// Shutdown stops every router, waiting for exchanges in progress until ctx
// ends.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for port, router := range d.routers {
		if err := router.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", port, err))
		}
		delete(d.routers, port)
	}
	return errors.Join(errs...)
}

// stopRouter must be called with d.mu held.
func (d *Dispatcher) stopRouter(port int, router *Router) {
	delete(d.routers, port)
	ctx := context.Background()
	if d.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := router.Stop(ctx); err != nil {
		d.logger.Error().Err(err).Int("port", port).Msg("failed to stop listener")
	}
}

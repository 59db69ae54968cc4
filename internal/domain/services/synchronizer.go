package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/hl7hub/internal/domain/connector"
	"github.com/ehr/hl7hub/internal/domain/directory"
	"github.com/ehr/hl7hub/internal/domain/inbound"
)

// AppFactory builds the application that processes messages for a service.
type AppFactory func(s *Service) (inbound.Application, error)

// Listener starts and stops receiving messages for a connector.
type Listener interface {
	Listen(c *connector.Connector, app inbound.Application, user *directory.User) error
	Stop(c *connector.Connector)
}

// Users resolves the user a service processes messages as.
type Users interface {
	User(ctx context.Context, id int64) (*directory.User, error)
}

// Session is a service that is receiving messages.
type Session struct {
	ServiceID  int64                `json:"service_id"`
	Service    string               `json:"service"`
	Kind       Kind                 `json:"kind"`
	Connector  *connector.Connector `json:"connector"`
	UserID     int64                `json:"user_id"`
	LocationID *int64               `json:"location_id,omitempty"`
	Since      time.Time            `json:"since"`
}

func (s *Session) matches(svc *Service, c *connector.Connector, user *directory.User) bool {
	return s.Kind == svc.Kind &&
		s.Connector.Equal(c) &&
		s.UserID == user.ID &&
		equalID(s.LocationID, svc.LocationID)
}

type SynchronizerConfig struct {
	// RescanInterval is how often every service is re-read in case a change
	// event was missed. Zero disables rescanning.
	RescanInterval time.Duration
}

// Synchronizer keeps the listening connectors in line with the service
// configuration. Changes to different services are applied concurrently;
// changes to the same service are applied in order.
type Synchronizer struct {
	services   Repository
	connectors connector.Repository
	users      Users
	listener   Listener
	factories  map[Kind]AppFactory
	feed       Feed
	cfg        SynchronizerConfig
	logger     zerolog.Logger
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	mu        sync.RWMutex
	listening map[int64]*Session
}

// NewSynchronizer creates a synchronizer. feed may be nil, in which case
// changes are only picked up by rescanning.
func NewSynchronizer(
	services Repository,
	connectors connector.Repository,
	users Users,
	listener Listener,
	factories map[Kind]AppFactory,
	feed Feed,
	cfg SynchronizerConfig,
	logger zerolog.Logger,
) *Synchronizer {
	return &Synchronizer{
		services:   services,
		connectors: connectors,
		users:      users,
		listener:   listener,
		factories:  factories,
		feed:       feed,
		cfg:        cfg,
		logger:     logger.With().Str("component", "synchronizer").Logger(),
		now:        time.Now,
		locks:      make(map[int64]*sync.Mutex),
		listening:  make(map[int64]*Session),
	}
}

// StartWatching listens for every configured service, then applies changes
// from the feed until ctx ends. It returns an error if the initial scan
// fails or the feed stops.
func (s *Synchronizer) StartWatching(ctx context.Context) error {
	if err := s.Scan(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if s.feed != nil {
		g.Go(func() error {
			return s.feed.Watch(gctx, func(ev Event) { s.Apply(gctx, ev) })
		})
	}
	if s.cfg.RescanInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(s.cfg.RescanInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := s.Scan(gctx); err != nil && gctx.Err() == nil {
						s.logger.Error().Err(err).Msg("service rescan failed")
					}
				}
			}
		})
	}
	return g.Wait()
}

// Scan brings every service in line with its current configuration and
// stops services that no longer exist.
func (s *Synchronizer) Scan(ctx context.Context) error {
	items, err := s.services.List(ctx)
	if err != nil {
		return fmt.Errorf("scan services: %w", err)
	}
	seen := make(map[int64]bool, len(items))
	for _, svc := range items {
		seen[svc.ID] = true
		s.update(ctx, svc)
	}
	for _, sess := range s.Listening() {
		if !seen[sess.ServiceID] {
			s.removeIfGone(ctx, sess.ServiceID)
		}
	}
	return nil
}

// Apply applies a single change event.
func (s *Synchronizer) Apply(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventAdded, EventUpdated:
		svc, err := s.services.GetByID(ctx, ev.ID)
		if errors.Is(err, ErrNotFound) {
			s.remove(ev.ID)
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Int64("service_id", ev.ID).Msg("failed to load service")
			return
		}
		s.update(ctx, svc)
	case EventRemoved:
		s.remove(ev.ID)
	default:
		s.logger.Warn().Str("type", string(ev.Type)).Int64("service_id", ev.ID).Msg("unknown service event")
	}
}

// Listening returns the services currently receiving messages, ordered by id.
func (s *Synchronizer) Listening() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.listening))
	for _, sess := range s.listening {
		out = append(out, *sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

func (s *Synchronizer) update(ctx context.Context, svc *Service) {
	lock := s.lockFor(svc.ID)
	lock.Lock()
	defer lock.Unlock()

	log := s.logger.With().Int64("service_id", svc.ID).Str("service", svc.Name).Logger()
	current := s.session(svc.ID)

	c, user, err := s.resolve(ctx, svc, log)
	if err != nil {
		// Leave the service as it is until it can be resolved.
		log.Error().Err(err).Msg("failed to resolve service")
		return
	}
	if c == nil {
		if current != nil {
			s.stop(current, log)
		}
		return
	}
	if current != nil {
		if current.matches(svc, c, user) {
			return
		}
		s.stop(current, log)
	}

	factory, ok := s.factories[svc.Kind]
	if !ok {
		log.Error().Str("kind", string(svc.Kind)).Msg("no application for service kind")
		return
	}
	app, err := factory(svc)
	if err != nil {
		log.Error().Err(err).Msg("failed to create application")
		return
	}
	if err := s.listener.Listen(c, app, user); err != nil {
		log.Error().Err(err).Str("connector", c.String()).Msg("failed to listen")
		return
	}

	s.mu.Lock()
	s.listening[svc.ID] = &Session{
		ServiceID:  svc.ID,
		Service:    svc.Name,
		Kind:       svc.Kind,
		Connector:  c,
		UserID:     user.ID,
		LocationID: svc.LocationID,
		Since:      s.now(),
	}
	s.mu.Unlock()
	log.Info().Str("connector", c.Name).Int("port", c.Port).Msg("service listening")
}

// resolve returns the connector and user a service should listen with, or a
// nil connector if it should not be listening.
func (s *Synchronizer) resolve(ctx context.Context, svc *Service, log zerolog.Logger) (*connector.Connector, *directory.User, error) {
	if !svc.Active {
		log.Info().Msg("service is inactive")
		return nil, nil, nil
	}
	if svc.ConnectorID == nil || svc.UserID == nil {
		log.Info().Msg("service has no connector or user")
		return nil, nil, nil
	}

	c, err := s.connectors.GetByID(ctx, *svc.ConnectorID)
	if errors.Is(err, connector.ErrNotFound) {
		log.Info().Int64("connector_id", *svc.ConnectorID).Msg("connector not found")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !c.Active {
		log.Info().Str("connector", c.Name).Msg("connector is inactive")
		return nil, nil, nil
	}

	user, err := s.users.User(ctx, *svc.UserID)
	if errors.Is(err, directory.ErrNotFound) {
		log.Info().Int64("user_id", *svc.UserID).Msg("user not found")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !user.Active {
		log.Info().Str("user", user.Username).Msg("user is inactive")
		return nil, nil, nil
	}
	return c, user, nil
}

func (s *Synchronizer) remove(id int64) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if current := s.session(id); current != nil {
		s.stop(current, s.logger.With().Int64("service_id", id).Logger())
	}
}

// removeIfGone stops a session whose service was missing from a scan. The
// service is read again under its lock since it may have been added after
// the scan listed the services.
func (s *Synchronizer) removeIfGone(ctx context.Context, id int64) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	log := s.logger.With().Int64("service_id", id).Logger()
	if _, err := s.services.GetByID(ctx, id); !errors.Is(err, ErrNotFound) {
		if err != nil {
			log.Error().Err(err).Msg("failed to recheck service")
		}
		return
	}
	if current := s.session(id); current != nil {
		s.stop(current, log)
	}
}

func (s *Synchronizer) stop(sess *Session, log zerolog.Logger) {
	s.listener.Stop(sess.Connector)
	s.mu.Lock()
	delete(s.listening, sess.ServiceID)
	s.mu.Unlock()
	log.Info().Str("connector", sess.Connector.Name).Msg("service stopped listening")
}

func (s *Synchronizer) session(id int64) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening[id]
}

func (s *Synchronizer) lockFor(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func equalID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"enrollsync/internal/coordinator"
	"enrollsync/internal/enrollment"
	"enrollsync/internal/model"
	"enrollsync/internal/remote"
	"enrollsync/internal/store"
)

// ClientFactory binds the remote client to one token. onUnauthorized runs on every 401.
type ClientFactory func(token string, onUnauthorized func()) remote.Client

type Config struct {
	PageSize int
	IdleTTL  time.Duration
	Payload  remote.EnrollPayload
}

// Workspace is everything the BFF keeps for one signed-in user.
type Workspace struct {
	User       model.User
	Reconciler *enrollment.Reconciler
	List       *coordinator.ListCoordinator
	Detail     *coordinator.DetailCoordinator

	token    string
	lastUsed time.Time
}

type Registry struct {
	parser  *TokenParser
	clients ClientFactory
	backend store.Backend
	cfg     Config
	log     *zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	workspaces map[int64]*Workspace
	// outlives workspaces so a new token cannot bypass a pending toggle
	inFlight map[int64]*enrollment.InFlightSet
}

func NewRegistry(parser *TokenParser, clients ClientFactory, backend store.Backend, cfg Config, log *zerolog.Logger) *Registry {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Registry{
		parser:     parser,
		clients:    clients,
		backend:    backend,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		workspaces: make(map[int64]*Workspace),
		inFlight:   make(map[int64]*enrollment.InFlightSet),
	}
}

// Resolve returns the workspace for token, creating it on first use. A new
// token for a known user starts a fresh workspace.
func (r *Registry) Resolve(token string) (*Workspace, error) {
	user, err := r.parser.Parse(token)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ws, ok := r.workspaces[user.ID]; ok && ws.token == token {
		ws.lastUsed = r.now()
		return ws, nil
	}

	client := r.clients(token, func() { r.Drop(user.ID, token) })
	st := store.New(r.backend, user.ID, r.log)
	guard, ok := r.inFlight[user.ID]
	if !ok {
		guard = enrollment.NewInFlightSet()
		r.inFlight[user.ID] = guard
	}
	rec := enrollment.NewReconciler(client, st, user, r.cfg.Payload, guard, r.log)
	ws := &Workspace{
		User:       user,
		Reconciler: rec,
		List:       coordinator.NewListCoordinator(client, rec, r.cfg.PageSize, r.log),
		Detail:     coordinator.NewDetailCoordinator(client, rec, r.log),
		token:      token,
		lastUsed:   r.now(),
	}
	r.workspaces[user.ID] = ws
	r.log.Info().Int64("user_id", user.ID).Msg("session workspace created")
	return ws, nil
}

// Drop forgets the user's workspace if it still belongs to token.
func (r *Registry) Drop(userID int64, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ws, ok := r.workspaces[userID]; ok && ws.token == token {
		delete(r.workspaces, userID)
		r.log.Info().Int64("user_id", userID).Msg("session workspace dropped")
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}

// Sweep drops workspaces idle for longer than the configured TTL.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.cfg.IdleTTL)
	dropped := 0
	for id, ws := range r.workspaces {
		if ws.lastUsed.Before(cutoff) {
			delete(r.workspaces, id)
			dropped++
		}
	}
	for id, guard := range r.inFlight {
		if _, live := r.workspaces[id]; !live && guard.Len() == 0 {
			delete(r.inFlight, id)
		}
	}
	return dropped
}

// Run sweeps idle workspaces until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug().Int("dropped", n).Msg("idle session workspaces swept")
			}
		}
	}
}

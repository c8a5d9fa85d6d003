package bindfixture

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Manager starts and stops several independent servers concurrently,
// e.g. a primary and its secondaries in a zone transfer test.
type Manager struct {
	// Concurrency is the maximum number of concurrent operations
	Concurrency int
	// Timeout is the per-server timeout; zero means none
	Timeout time.Duration
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithConcurrency sets the maximum number of concurrent operations
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		m.Concurrency = n
	}
}

// WithTimeout sets the per-server timeout
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.Timeout = d
	}
}

// NewManager creates a new Manager with default settings
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		Concurrency: 4,
		Timeout:     DefaultReadyTimeout + DefaultStopTimeout,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.Concurrency < 1 {
		m.Concurrency = 1
	}

	return m
}

func (m *Manager) execute(ctx context.Context, servers []*Server, op func(context.Context, *Server) error) error {
	if len(servers) == 0 {
		return nil
	}

	sem := make(chan struct{}, m.Concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var merr *multierror.Error

	for _, srv := range servers {
		wg.Add(1)
		go func(srv *Server) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				merr = multierror.Append(merr, ctx.Err())
				mu.Unlock()
				return
			}

			opCtx := ctx
			if m.Timeout > 0 {
				var cancel context.CancelFunc
				opCtx, cancel = context.WithTimeout(ctx, m.Timeout)
				defer cancel()
			}

			if err := op(opCtx, srv); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}(srv)
	}

	wg.Wait()

	return merr.ErrorOrNil()
}

// Start starts the given servers. It waits for every start to finish and
// reports all failures; servers that did start are left running.
func (m *Manager) Start(ctx context.Context, servers ...*Server) error {
	return m.execute(ctx, servers, func(ctx context.Context, s *Server) error {
		return s.Start(ctx)
	})
}

// Stop stops the given servers
func (m *Manager) Stop(ctx context.Context, servers ...*Server) error {
	return m.execute(ctx, servers, func(ctx context.Context, s *Server) error {
		return s.Stop(ctx)
	})
}

// Status asks every server for "rndc status" and returns the decoded
// output by server ID
func (m *Manager) Status(ctx context.Context, servers ...*Server) (map[string]ServerStatus, error) {
	var mu sync.Mutex
	results := make(map[string]ServerStatus, len(servers))

	err := m.execute(ctx, servers, func(ctx context.Context, s *Server) error {
		st, err := s.Status(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		results[s.ID()] = st
		mu.Unlock()
		return nil
	})
	return results, err
}

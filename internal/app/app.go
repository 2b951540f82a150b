// Package app wires the configuration source, the connection manager and
// its observers into a running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rebeliceyang/vizconn/internal/api"
	"github.com/rebeliceyang/vizconn/internal/backend"
	"github.com/rebeliceyang/vizconn/internal/config"
	"github.com/rebeliceyang/vizconn/internal/connection"
	"github.com/rebeliceyang/vizconn/internal/history"
	"github.com/rebeliceyang/vizconn/internal/log"
	"github.com/rebeliceyang/vizconn/internal/metrics"
	"github.com/rebeliceyang/vizconn/internal/source"
)

const shutdownTimeout = 10 * time.Second

// App is a running manager together with the resources it owns
type App[T any] struct {
	config  *config.Config
	manager *connection.Manager[T]
	server  *api.Server[T]
	history *history.Store
	closers []func() error
}

// Run builds the app for the configured backend and serves until ctx is
// cancelled
func Run(ctx context.Context, cfg *config.Config) error {
	timeout := time.Duration(cfg.Backend.DialTimeoutMs) * time.Millisecond

	switch cfg.Backend.Kind {
	case config.BackendPostgres:
		opener := backend.NewPostgresOpener(timeout, passwordLookup(cfg))
		a, err := New[*pgxpool.Pool](cfg, opener,
			connection.WithDecoder(backend.PostgresDecoder),
			connection.WithConnectionOptions(connection.WithValidators(backend.PostgresValidators())),
		)
		if err != nil {
			return err
		}
		return a.Serve(ctx)
	default:
		a, err := New[net.Conn](cfg, backend.NewTCPOpener(timeout))
		if err != nil {
			return err
		}
		return a.Serve(ctx)
	}
}

// passwordLookup tries the keyring, then the pgpass file, then PGPASSWORD
func passwordLookup(cfg *config.Config) backend.Chain {
	chain := backend.Chain{backend.NewPasswordStore(cfg.Backend.KeyringService)}
	if pgpass, err := backend.NewPgPassFile(cfg.Backend.PgPassFile); err == nil {
		chain = append(chain, pgpass)
	} else {
		log.Warn("pgpass lookup disabled", "error", err)
	}
	return append(chain, backend.EnvPassword{})
}

// New opens the configured source, builds the manager around opener and
// binds it. The returned App must be closed.
func New[T any](cfg *config.Config, opener connection.Opener[T], opts ...connection.ManagerOption) (*App[T], error) {
	a := &App[T]{config: cfg}

	src, err := a.openSource()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var met *metrics.Metrics
	opts = append([]connection.ManagerOption{
		connection.WithDelimiter(cfg.General.Delimiter),
		connection.WithMalformedHandler(func(string, string, error) {
			met.MalformedEntry()
		}),
	}, opts...)
	a.manager = connection.NewManager(opener, opts...)

	met, err = metrics.New(reg, a.manager.Len)
	if err != nil {
		_ = a.closeResources()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	a.manager.AddListener(metrics.NewListener[T](met))

	if cfg.History.Enabled {
		store, err := history.NewStore(cfg.History.Path)
		if err != nil {
			_ = a.closeResources()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		a.history = store
		a.closers = append(a.closers, store.Close)
		a.manager.AddListener(history.NewRecorder[T](store))
	}

	a.server = api.NewServer(a.manager, api.Options{
		History:  a.history,
		Metrics:  met,
		Gatherer: reg,
	})

	if err := a.manager.Bind(src, cfg.General.Section); err != nil {
		_ = a.closeResources()
		return nil, err
	}
	log.Info("connection manager started",
		"source", cfg.Source.Kind,
		"backend", cfg.Backend.Kind,
		"section", cfg.General.Section,
		"connections", a.manager.Len(),
	)
	return a, nil
}

func (a *App[T]) openSource() (connection.Source, error) {
	switch a.config.Source.Kind {
	case config.SourceRedis:
		rs, err := source.NewRedisSource(a.config.Source.RedisURL, a.config.Source.RedisPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		return rs, nil
	default:
		path := a.config.Source.File
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		store := source.NewStore()
		fw, err := source.WatchFile(path, store)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fw.Close)
		return store, nil
	}
}

// Manager returns the connection manager
func (a *App[T]) Manager() *connection.Manager[T] {
	return a.manager
}

// Handler returns the status API handler
func (a *App[T]) Handler() http.Handler {
	return a.server.Handler()
}

// Serve runs the status API when enabled and blocks until ctx is cancelled
// or the API fails, then closes the app
func (a *App[T]) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.config.API.Enabled {
		g.Go(func() error {
			return a.server.ListenAndServe(gctx, a.config.API.Listen)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, a.Close(closeCtx))
}

// Close disconnects every connection and releases the source and history
func (a *App[T]) Close(ctx context.Context) error {
	err := a.manager.Shutdown(ctx)
	if err != nil {
		log.Warn("connection shutdown incomplete", "error", err)
	}
	return errors.Join(err, a.closeResources())
}

// closeResources releases resources in reverse order of acquisition
func (a *App[T]) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fitdesk/fitsync/internal/config"
	"github.com/fitdesk/fitsync/internal/offline/cache"
	"github.com/fitdesk/fitsync/internal/offline/metrics"
	"github.com/fitdesk/fitsync/internal/offline/queue"
	"github.com/fitdesk/fitsync/internal/offline/remote"
	"github.com/fitdesk/fitsync/internal/offline/store"
)

// engine is the set of components a command works with, opened from cfg.
type engine struct {
	cfg     *config.Config
	db      *store.DB
	storage store.Storage
	queue   *queue.Queue
	service remote.Service
	reader  remote.Reader
	logOut  io.Writer

	closers []func() error
}

// logWriter returns where component logs go: the rotating log file when
// configured, stderr with --verbose, and nowhere otherwise.
func logWriter(c *config.Config, force bool) (io.Writer, func() error) {
	if c.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAge:     c.Log.MaxAgeDays,
			Compress:   true,
		}
		return lj, lj.Close
	}
	if verbose || force {
		return os.Stderr, func() error { return nil }
	}
	return io.Discard, func() error { return nil }
}

func (e *engine) logger(prefix string) *log.Logger {
	return log.New(e.logOut, prefix, log.LstdFlags)
}

// openEngine opens the local database, the queue storage and the remote.
// withRemote=false skips the remote for commands that only touch local
// state.
func openEngine(ctx context.Context, c *config.Config, withRemote, forceLog bool) (*engine, error) {
	out, closeLog := logWriter(c, forceLog)
	e := &engine{cfg: c, logOut: out}
	e.closers = append(e.closers, closeLog)

	db, err := store.Open(c.LocalDBPath())
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, db.Close)
	if err := db.InitSchemaContext(ctx); err != nil {
		e.Close()
		return nil, err
	}
	e.db = db

	switch c.Storage.Backend {
	case config.BackendSQLite:
		e.storage = db
	default:
		fs, err := store.NewFileStorage(c.StorageDir())
		if err != nil {
			e.Close()
			return nil, err
		}
		e.storage = fs
	}

	priorities, err := c.Priorities()
	if err != nil {
		e.Close()
		return nil, err
	}
	q, err := queue.New(e.storage, queue.Config{
		Priorities: priorities,
		Logger:     e.logger("[queue] "),
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	if err := q.Load(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	e.queue = q

	if withRemote {
		if err := e.openRemote(); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *engine) openRemote() error {
	switch e.cfg.Remote.Kind {
	case config.RemoteHTTP:
		svc, err := remote.NewHTTPService(remote.HTTPConfig{
			BaseURL: e.cfg.Remote.URL,
			APIKey:  e.cfg.Remote.APIKey,
		})
		if err != nil {
			return err
		}
		e.service, e.reader = svc, svc
	default:
		svc, err := remote.OpenSQL(e.cfg.RemoteDSN(), e.logger("[remote] "))
		if err != nil {
			return err
		}
		e.closers = append(e.closers, svc.Close)
		e.service, e.reader = svc, svc
	}
	return nil
}

// newCache builds the cache layer over the local database.
func (e *engine) newCache(online func() bool, m *metrics.Metrics) (*cache.Layer, error) {
	return cache.New(e.db, cache.Options{
		Version:    e.cfg.Cache.Version,
		Online:     online,
		DefaultTTL: e.cfg.Cache.DefaultTTL,
		Logger:     e.logger("[cache] "),
		Metrics:    m,
	})
}

// Close releases everything in reverse order of opening.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
	e.closers = nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"

	"github.com/weftmesh/weft/perf"
	"github.com/weftmesh/weft/state"
)

// Run starts a node and blocks until shutdown. Used by `weft run`.
func Run(cfg state.Config, keys *state.KeyStore, logLevel slog.Level) error {
	node, err := Start(cfg, keys, logLevel)
	if err != nil {
		return err
	}

	node.s.Log.Info("weft is up. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			node.env.Cancel(errors.New("received shutdown signal"))
		case <-node.env.Context.Done():
		}
	}()

	return node.Wait()
}

// Start brings up all modules and the dispatch loop, returning a handle the
// application sends and receives through.
func Start(cfg state.Config, keys *state.KeyStore, logLevel slog.Level) (*Node, error) {
	return StartWithSock(cfg, keys, logLevel, nil)
}

// StartWithSock starts a node over a preinstalled datagram socket. Tests use
// it to run whole meshes in memory.
func StartWithSock(cfg state.Config, keys *state.KeyStore, logLevel slog.Level, sock Sock) (*Node, error) {
	ctx, cancel := context.WithCancelCause(context.Background())

	dispatch := make(chan func(s *state.State) error, 128)

	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: keys.Id().String()[:8],
		}),
	}
	if cfg.LogPath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogPath), 0700); err != nil {
			cancel(err)
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			cancel(err)
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
	}
	logger := slog.New(slogmulti.Fanout(handlers...))

	s := &state.State{
		Modules: make(map[string]state.Module),
		Links:   make(map[state.PeerId]*state.LinkState),
		Gossip:  make(map[state.PeerId][]state.NeighborInfo),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			Config:          cfg,
			Keys:            keys,
			Log:             logger,
			Clock:           clock.New(),
		},
	}

	s.Log.Info("init modules", "id", keys.Id())
	if err := initModules(s, sock); err != nil {
		Stop(s)
		return nil, fmt.Errorf("init modules: %w", err)
	}

	node := newNode(s)
	go func() {
		_ = MainLoop(s, dispatch)
		node.markDone()
	}()
	return node, nil
}

func initModules(s *state.State, sock Sock) error {
	modules := []state.Module{
		&Transport{Sock: sock},
		&SecureChannel{},
		&Gossiper{},
		&RouteEngine{},
		&Forwarder{},
		&Healer{},
		&TopoCache{},
		&IPC{},
	}

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
		s.DispatchChannel = nil
	}
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}

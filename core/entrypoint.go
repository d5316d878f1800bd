package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/encodeous/qaodv/perf"
	"github.com/encodeous/qaodv/state"
	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

// ReadNodeConfig loads, expands and validates a node configuration file
func ReadNodeConfig(nodePath string) (*state.NodeCfg, error) {
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	nodeCfg := state.NewNodeCfg()
	err = yaml.Unmarshal(file, &nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", nodePath, err)
	}
	state.ExpandNodeConfig(&nodeCfg)
	err = state.NodeConfigValidator(&nodeCfg)
	if err != nil {
		return nil, err
	}
	return &nodeCfg, nil
}

// SetupLogger builds the node logger: a console handler prefixed with the node id and,
// when logPath is set, a text handler appending to that file. The returned closer releases the file.
func SetupLogger(id, logPath string, level slog.Level) (*slog.Logger, io.Closer, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: id,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	var closer io.Closer = io.NopCloser(nil)
	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Bootstrap runs a node until it is interrupted. logPath and debugAddr override the config file when set.
func Bootstrap(nodePath, logPath, debugAddr string, verbose bool) error {
	nodeCfg, err := ReadNodeConfig(nodePath)
	if err != nil {
		return err
	}
	if logPath != "" {
		nodeCfg.LogPath = logPath
	}
	if debugAddr != "" {
		nodeCfg.DebugAddr = debugAddr
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return Start(*nodeCfg, level, nil)
}

// Start runs the node until its context is cancelled. If ready is not nil, it receives the
// state once every module is initialised; cancelling that state stops the node.
func Start(ncfg state.NodeCfg, logLevel slog.Level, ready chan<- *state.State) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	logger, logFile, err := SetupLogger(ncfg.Id, ncfg.LogPath, logLevel)
	if err != nil {
		return err
	}
	defer logFile.Close()

	dispatch := make(chan func(env *state.State) error, 128)
	s := &state.State{
		Modules: make(map[string]state.Module),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			NodeCfg:         ncfg,
			Log:             logger,
		},
	}

	s.Log.Info("init modules")
	err = initModules(s)
	if err != nil {
		Stop(s)
		return err
	}
	s.Log.Info("init modules complete")
	s.Log.Info("node started, send SIGINT or Ctrl+C to exit", "address", ncfg.Address)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	go func() {
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-ctx.Done():
		}
	}()

	if ready != nil {
		ready <- s
	}
	return MainLoop(s, dispatch)
}

func initModules(s *state.State) error {
	var modules []state.Module
	modules = append(modules, &Node{})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return err
		}
	}
	return nil
}

// runDispatch turns a panicking callback into an error so the loop can shut down cleanly
func runDispatch(s *state.State, fun func(*state.State) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during dispatch: %v\n%s", r, debug.Stack())
		}
	}()
	return fun(s)
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
			err := runDispatch(s, fun)
			if err != nil {
				s.Log.Error("error occurred during dispatch", "error", err)
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > state.DispatchWarningThreshold {
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
		return
	}
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}

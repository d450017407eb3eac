package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/mediaq/internal/config"
	mediahttp "github.com/tanq16/mediaq/internal/downloaders/http"
	"github.com/tanq16/mediaq/internal/downloaders/muxer"
	"github.com/tanq16/mediaq/internal/output"
	"github.com/tanq16/mediaq/internal/queue"
	"github.com/tanq16/mediaq/internal/scheduler"
	"github.com/tanq16/mediaq/internal/source"
	"github.com/tanq16/mediaq/internal/state"
	"github.com/tanq16/mediaq/internal/utils"
)

// app holds everything a command needs to drive the queue.
type app struct {
	cfg       config.Config
	states    *state.Store
	store     *queue.Store[*queue.Item]
	persister *queue.BoltPersister
	runner    *scheduler.Runner
	orch      *queue.Orchestrator
}

// newClient builds the shared HTTP client, attaching bearer tokens when
// auth is configured.
func newClient(ctx context.Context, c config.Config) (*utils.HTTPClient, error) {
	httpCfg := c.HTTPClientConfig()
	if c.Auth.Enabled() {
		ts, err := source.TokenSource(ctx, c.Auth)
		if err != nil {
			return nil, err
		}
		httpCfg.TokenSource = ts
	}
	return utils.NewHTTPClient(httpCfg), nil
}

func newSelector(client utils.HTTPDoer, c config.Config) *mediahttp.Selector {
	return &mediahttp.Selector{
		Client:          client,
		ParallelEnabled: c.Parallel,
		Threads:         c.Connections,
		Plan:            c.PlanOptions(),
	}
}

// openApp opens the persisted queue and resume store under the data
// directory. Cancelling ctx interrupts whatever the runner is doing.
func openApp(ctx context.Context, c config.Config) (*app, error) {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating data directory: %w", err)
	}
	client, err := newClient(ctx, c)
	if err != nil {
		return nil, err
	}
	store, persister, err := queue.Open(c.QueuePath())
	if err != nil {
		return nil, err
	}
	states, err := state.OpenDir(c.StateDir())
	if err != nil {
		persister.Close()
		return nil, err
	}
	runner := scheduler.New(ctx, store, scheduler.Config{
		OutputDir:      c.OutputDir,
		Selector:       newSelector(client, c),
		Executor:       mediahttp.NewExecutor(client, states, c.ExecutorOptions()),
		Resolver:       source.NewResolver(c.S3Profile, c.PresignExpiry),
		States:         states,
		FindMuxer:      func() (*muxer.Muxer, error) { return muxer.Find(c.Muxer) },
		StallThreshold: c.StallThreshold,
	})
	orch := queue.NewOrchestrator(store, runner, persister)
	orch.OnRemoved(runner.Discard)
	log.Debug().Str("op", "cmd/app").Str("data", c.DataDir).Int("items", store.Len()).Msg("queue opened")
	return &app{cfg: c, states: states, store: store, persister: persister, runner: runner, orch: orch}, nil
}

func (a *app) Close() {
	if err := a.persister.Close(); err != nil {
		log.Warn().Str("op", "cmd/app").Err(err).Msg("failed to close queue database")
	}
	if err := a.states.Close(); err != nil {
		log.Warn().Str("op", "cmd/app").Err(err).Msg("failed to close resume store")
	}
}

// mustOpenApp exits on failure like the rest of the command handlers.
func mustOpenApp(ctx context.Context) *app {
	a, err := openApp(ctx, cfg)
	if err != nil {
		output.PrintError(fmt.Sprintf("Failed to open queue: %v", err))
		os.Exit(1)
	}
	return a
}

// display renders the progress stream: the live view on a terminal, one
// line per change otherwise. The live view moves logging to a file.
type display struct {
	apply  func(scheduler.Update)
	stop   func()
	failed map[int64]bool
}

func newDisplay() *display {
	if output.IsTerminal() && !debug {
		var logs io.Closer = utils.InitLogger(debug, cfg.LogPath())
		m := output.NewManager()
		m.StartDisplay()
		return &display{
			apply: m.Apply,
			stop: func() {
				m.StopDisplay()
				logs.Close()
				utils.SetLogOutput(os.Stderr)
			},
			failed: map[int64]bool{},
		}
	}
	l := output.NewLogger(os.Stdout)
	return &display{apply: l.Apply, stop: func() {}, failed: map[int64]bool{}}
}

// follow feeds updates to the display until the channel closes and then
// closes done. Items whose latest update is a failure are recorded and
// watch, when set, sees every update after the display.
func (d *display) follow(updates <-chan scheduler.Update, done chan<- struct{}, watch func(scheduler.Update)) {
	defer close(done)
	for u := range updates {
		d.apply(u)
		d.failed[u.Item.ID] = u.Item.Status == queue.StatusError
		if watch != nil {
			watch(u)
		}
	}
}

func (d *display) failures() int {
	n := 0
	for _, failed := range d.failed {
		if failed {
			n++
		}
	}
	return n
}

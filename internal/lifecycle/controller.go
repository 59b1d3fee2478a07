// Package lifecycle installs and activates cache generations and takes
// control of open pages for the active one.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/pushkeeper/internal/audit"
	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/shared"
	"golang.org/x/sync/errgroup"
)

var ErrCacheDeletionFailed = errors.New("cache deletion failed")

// State is a lifecycle phase.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Persisted state keys.
const (
	KeyState      = "lifecycle.state"
	KeyGeneration = "lifecycle.generation"
)

const maxConcurrentDeletes = 4

// Cache is the generation store the controller manages.
type Cache interface {
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, gen string) (bool, error)
	Precache(gen, srcDir string, names []string) (int, error)
}

// Claimer takes control of every open page for a generation and reports
// how many pages it reached.
type Claimer interface {
	Claim(ctx context.Context, generation string) (int, error)
}

// StateStore persists lifecycle state.
type StateStore interface {
	SetState(ctx context.Context, key, val string) error
	GetState(ctx context.Context, key string) (string, error)
}

// Options configures a Controller.
type Options struct {
	Generation string
	StaticDir  string
	Precache   []string
	Cache      Cache
	Claimer    Claimer
	State      StateStore
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// ActivationReport summarises one activation.
type ActivationReport struct {
	Generation string   `json:"generation"`
	Deleted    []string `json:"deleted,omitempty"`
	Claimed    int      `json:"claimed"`
	// Err joins one ErrCacheDeletionFailed per generation that could not
	// be deleted.
	Err error `json:"-"`
}

// Controller drives install and activate for the current generation.
type Controller struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	generation string
	active     string
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		opts:       opts,
		logger:     logger.With("component", "lifecycle"),
		state:      StateParsed,
		generation: opts.Generation,
	}
}

// State returns the current phase and generation.
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.generation
}

// Active returns the generation that currently serves assets. It is empty
// until the first install completes.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Install creates the current generation and precaches the app shell,
// then makes it the active generation at once without waiting for pages
// served by the previous one. Precache failures are logged.
func (c *Controller) Install(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen := c.transition(ctx, StateInstalling)
	if c.opts.Cache != nil {
		stored, err := c.opts.Cache.Precache(gen, c.opts.StaticDir, c.opts.Precache)
		if err != nil {
			c.logger.Warn("precache incomplete", "trace_id", shared.TraceID(ctx), "generation", gen, "stored", stored, "error", err)
		}
	}

	c.mu.Lock()
	c.active = gen
	c.mu.Unlock()
	c.persist(ctx, KeyGeneration, gen)
	c.transition(ctx, StateInstalled)
	audit.Record(ctx, "lifecycle.install", audit.OutcomeOK, gen, "")
	return nil
}

// Activate deletes every generation other than the current one, each
// independently, and then claims all open pages. Claiming happens even
// when deletions fail.
func (c *Controller) Activate(ctx context.Context) (ActivationReport, error) {
	gen := c.transition(ctx, StateActivating)
	report := ActivationReport{Generation: gen}

	if c.opts.Cache != nil {
		keys, err := c.opts.Cache.Keys(ctx)
		if err != nil {
			report.Err = fmt.Errorf("%w: list generations: %v", ErrCacheDeletionFailed, err)
		} else {
			report.Deleted, report.Err = c.deleteStale(ctx, gen, keys)
		}
	}
	if report.Err != nil {
		c.logger.Warn("stale cache cleanup incomplete", "trace_id", shared.TraceID(ctx), "generation", gen, "error", report.Err)
	}

	var claimErr error
	if c.opts.Claimer != nil {
		report.Claimed, claimErr = c.opts.Claimer.Claim(ctx, gen)
		if claimErr != nil {
			claimErr = fmt.Errorf("claim pages for %s: %w", gen, claimErr)
		}
	}

	c.transition(ctx, StateActivated)
	outcome := audit.OutcomeOK
	if report.Err != nil || claimErr != nil {
		outcome = audit.OutcomeFailed
	}
	audit.Record(ctx, "lifecycle.activate", outcome, gen,
		fmt.Sprintf("deleted=%d claimed=%d", len(report.Deleted), report.Claimed))
	return report, claimErr
}

// Cutover switches to generation gen and runs Install and Activate for it.
func (c *Controller) Cutover(ctx context.Context, gen string) (ActivationReport, error) {
	c.mu.Lock()
	prev := c.generation
	c.generation = gen
	c.mu.Unlock()
	c.logger.Info("cache generation cut-over", "trace_id", shared.TraceID(ctx), "from", prev, "to", gen)

	if err := c.Install(ctx); err != nil {
		return ActivationReport{Generation: gen}, err
	}
	return c.Activate(ctx)
}

func (c *Controller) deleteStale(ctx context.Context, current string, keys []string) ([]string, error) {
	var (
		mu      sync.Mutex
		deleted []string
		errs    []error
	)
	var g errgroup.Group
	g.SetLimit(maxConcurrentDeletes)
	for _, key := range keys {
		if key == current {
			continue
		}
		g.Go(func() error {
			ok, err := c.opts.Cache.Delete(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, fmt.Errorf("%w: %s: %v", ErrCacheDeletionFailed, key, err))
			case ok:
				deleted = append(deleted, key)
			}
			return nil
		})
	}
	_ = g.Wait()
	return deleted, errors.Join(errs...)
}

// transition moves to state to and returns the current generation.
func (c *Controller) transition(ctx context.Context, to State) string {
	c.mu.Lock()
	from := c.state
	c.state = to
	gen := c.generation
	c.mu.Unlock()

	c.persist(ctx, KeyState, string(to))
	if c.opts.Bus != nil {
		c.opts.Bus.Publish(bus.TopicLifecycleChanged, bus.LifecycleEvent{Generation: gen, From: string(from), To: string(to)})
	}
	c.logger.Debug("lifecycle transition", "trace_id", shared.TraceID(ctx), "generation", gen, "from", from, "to", to)
	return gen
}

func (c *Controller) persist(ctx context.Context, key, val string) {
	if c.opts.State == nil {
		return
	}
	if err := c.opts.State.SetState(ctx, key, val); err != nil {
		c.logger.Warn("persist lifecycle state failed", "trace_id", shared.TraceID(ctx), "key", key, "error", err)
	}
}

// Restore loads the last persisted generation. It returns "" when none
// was recorded.
func (c *Controller) Restore(ctx context.Context) (string, error) {
	if c.opts.State == nil {
		return "", nil
	}
	return c.opts.State.GetState(ctx, KeyGeneration)
}

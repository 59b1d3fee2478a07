package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/basket/pushkeeper/internal/router"
	"github.com/basket/pushkeeper/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

var (
	ErrNoLauncher = errors.New("no launcher command configured")
	ErrPageGone   = errors.New("page disconnected")
)

const launchFragment = "launch="

// pageWriteTimeout bounds a single write to a page that stopped reading.
const pageWriteTimeout = 30 * time.Second

// PageHub is the live registry of connected pages. It implements
// router.Pages and lifecycle.Claimer.
type PageHub struct {
	launcher config.LauncherConfig
	bus      *bus.Bus
	logger   *slog.Logger

	// OnChange is called with +1 or -1 as pages connect and disconnect.
	OnChange func(delta int64)

	mu         sync.RWMutex
	pages      map[string]*pageConn
	launches   map[string]chan *pageConn
	controller string
}

func NewPageHub(launcher config.LauncherConfig, eventBus *bus.Bus, logger *slog.Logger) *PageHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &PageHub{
		launcher: launcher,
		bus:      eventBus,
		logger:   logger.With("component", "pages"),
		pages:    make(map[string]*pageConn),
		launches: make(map[string]chan *pageConn),
	}
}

// MatchAll returns every connected page, oldest first.
func (h *PageHub) MatchAll(context.Context) ([]router.Page, error) {
	h.mu.RLock()
	conns := make([]*pageConn, 0, len(h.pages))
	for _, p := range h.pages {
		conns = append(conns, p)
	}
	h.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].connectedAt.Before(conns[j].connectedAt) })
	out := make([]router.Page, len(conns))
	for i, p := range conns {
		out[i] = p
	}
	return out, nil
}

// Count returns the number of connected pages.
func (h *PageHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages)
}

// Controller returns the generation that last claimed the pages.
func (h *PageHub) Controller() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

// Open launches a new page at url and returns it once it has connected.
// The launched URL carries a launch id in its fragment so the new page
// can be told apart from pages that were already open.
func (h *PageHub) Open(ctx context.Context, url string) (router.Page, error) {
	if strings.TrimSpace(h.launcher.Command) == "" {
		return nil, ErrNoLauncher
	}
	launchID := uuid.NewString()
	waiter := make(chan *pageConn, 1)
	h.mu.Lock()
	h.launches[launchID] = waiter
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.launches, launchID)
		h.mu.Unlock()
	}()

	target := url + "#" + launchFragment + launchID
	command := strings.ReplaceAll(h.launcher.Command, "{{.URL}}", shared.ShellQuote(target))
	h.logger.Info("launching page", "trace_id", shared.TraceID(ctx), "url", target)
	if out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("launcher failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	timeout := time.Duration(h.launcher.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-waiter:
		return p, nil
	case <-timer.C:
		return nil, fmt.Errorf("launched page did not connect within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Claim tells every connected page that generation now controls it.
func (h *PageHub) Claim(ctx context.Context, generation string) (int, error) {
	h.mu.Lock()
	h.controller = generation
	conns := make([]*pageConn, 0, len(h.pages))
	for _, p := range h.pages {
		conns = append(conns, p)
	}
	h.mu.Unlock()

	env, err := protocol.Notification(protocol.MethodControllerChanged, protocol.ControllerChanged{Generation: generation})
	if err != nil {
		return 0, err
	}
	var (
		claimed int
		errs    []error
	)
	for _, p := range conns {
		if err := p.Post(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("page %s: %w", p.id, err))
			continue
		}
		claimed++
	}
	return claimed, errors.Join(errs...)
}

// splitLaunch strips a launch fragment from a reported page URL.
func splitLaunch(raw string) (url, launchID string) {
	base, frag, ok := strings.Cut(raw, "#")
	if !ok {
		return raw, ""
	}
	if id, found := strings.CutPrefix(frag, launchFragment); found {
		return base, id
	}
	return raw, ""
}

func (h *PageHub) register(conn *websocket.Conn, rawURL, launchID string) *pageConn {
	url, fragID := splitLaunch(rawURL)
	if launchID == "" {
		launchID = fragID
	}
	p := &pageConn{
		id:          uuid.NewString(),
		url:         url,
		launchID:    launchID,
		conn:        conn,
		connectedAt: time.Now(),
		pending:     make(map[string]chan protocol.Envelope),
		closed:      make(chan struct{}),
	}

	h.mu.Lock()
	h.pages[p.id] = p
	controller := h.controller
	var waiter chan *pageConn
	if launchID != "" {
		waiter = h.launches[launchID]
	}
	h.mu.Unlock()

	if waiter != nil {
		select {
		case waiter <- p:
		default:
		}
	}
	if h.OnChange != nil {
		h.OnChange(1)
	}
	if h.bus != nil {
		h.bus.Publish(bus.TopicPageConnected, bus.PageEvent{PageID: p.id, URL: p.url, LaunchID: launchID, Controller: controller})
	}
	h.logger.Info("page connected", "page_id", p.id, "url", p.url, "launch_id", launchID)
	return p
}

func (h *PageHub) unregister(p *pageConn) {
	h.mu.Lock()
	_, ok := h.pages[p.id]
	delete(h.pages, p.id)
	h.mu.Unlock()
	p.shutdown()
	if !ok {
		return
	}
	if h.OnChange != nil {
		h.OnChange(-1)
	}
	if h.bus != nil {
		h.bus.Publish(bus.TopicPageDisconnected, bus.PageEvent{PageID: p.id, URL: p.url, LaunchID: p.launchID})
	}
	h.logger.Info("page disconnected", "page_id", p.id)
}

// pageConn is one connected page.
type pageConn struct {
	id          string
	url         string
	launchID    string
	conn        *websocket.Conn
	connectedAt time.Time

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *pageConn) ID() string  { return p.id }
func (p *pageConn) URL() string { return p.url }

func (p *pageConn) Focus(ctx context.Context) error {
	env, err := protocol.Notification(protocol.MethodFocus, nil)
	if err != nil {
		return err
	}
	return p.Post(ctx, env)
}

func (p *pageConn) Post(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-p.closed:
		return ErrPageGone
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, pageWriteTimeout)
	defer cancel()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := wsjson.Write(ctx, p.conn, env); err != nil {
		return fmt.Errorf("%w: %v", ErrPageGone, err)
	}
	return nil
}

// Request posts env with a fresh id and waits for the matching reply. It
// fails with ErrPageGone if the page disconnects first.
func (p *pageConn) Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	id := protocol.RequestID(env.ID)
	if id == "" {
		id = uuid.NewString()
		env.ID = []byte(`"` + id + `"`)
	}
	ch := make(chan protocol.Envelope, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.Post(ctx, env); err != nil {
		return protocol.Envelope{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-p.closed:
		return protocol.Envelope{}, ErrPageGone
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// resolve hands a reply to its waiting request. It reports false for
// replies nobody is waiting for.
func (p *pageConn) resolve(env protocol.Envelope) bool {
	id := protocol.RequestID(env.ID)
	p.mu.Lock()
	ch, ok := p.pending[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (p *pageConn) shutdown() {
	p.closeOnce.Do(func() { close(p.closed) })
}

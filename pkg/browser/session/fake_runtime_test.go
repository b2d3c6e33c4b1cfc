package session

import (
	"context"
	"errors"
	"sync"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

type fakeRuntime struct {
	mu        sync.Mutex
	launchErr error
	inboxes   map[string]browser.Inbox
	engines   map[string]*fakeEngine
	closed    bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		inboxes: make(map[string]browser.Inbox),
		engines: make(map[string]*fakeEngine),
	}
}

func (r *fakeRuntime) Launch(ctx context.Context, cfg browser.SessionConfig, inbox browser.Inbox) (browser.EngineSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.launchErr != nil {
		return nil, r.launchErr
	}
	engine := &fakeEngine{inbox: inbox}
	r.inboxes[cfg.SessionID] = inbox
	r.engines[cfg.SessionID] = engine
	inbox.Deliver(browser.NavigationMessage{URL: cfg.InitialURL, Via: browser.NavigationLoadRequest})
	return engine, nil
}

func (r *fakeRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRuntime) engine(id string) *fakeEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[id]
}

func (r *fakeRuntime) inbox(id string) browser.Inbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inboxes[id]
}

// fakeEngine reports navigations back through the inbox like a real page.
type fakeEngine struct {
	mu          sync.Mutex
	inbox       browser.Inbox
	navigated   []string
	closeCalls  int
	navigateErr error
}

func (e *fakeEngine) Navigate(ctx context.Context, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.navigateErr != nil {
		return e.navigateErr
	}
	e.navigated = append(e.navigated, url)
	e.inbox.Deliver(browser.NavigationMessage{URL: url, Via: browser.NavigationLocationChange})
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCalls++
	if e.closeCalls > 1 {
		return errors.New("engine closed twice")
	}
	return nil
}

func (e *fakeEngine) closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeCalls
}

// gatedRuntime holds Launch for one URL until release is closed.
type gatedRuntime struct {
	*fakeRuntime
	gatedURL string
	started  chan struct{}
	release  chan struct{}
}

func newGatedRuntime(url string) *gatedRuntime {
	return &gatedRuntime{
		fakeRuntime: newFakeRuntime(),
		gatedURL:    url,
		started:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (r *gatedRuntime) Launch(ctx context.Context, cfg browser.SessionConfig, inbox browser.Inbox) (browser.EngineSession, error) {
	if cfg.InitialURL == r.gatedURL {
		close(r.started)
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.fakeRuntime.Launch(ctx, cfg, inbox)
}

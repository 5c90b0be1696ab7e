// internal/browser/allocator.go
package browser

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/internal/config"
)

const defaultShutdownTimeout = 10 * time.Second

// Allocator is a Provider that launches one Chrome process per page. Each
// page owns its own profile directory and proxy, so releasing it leaves
// nothing behind for the next session.
type Allocator struct {
	parent  context.Context
	browser config.BrowserConfig
	network config.NetworkConfig
	logger  *zap.Logger

	mu        sync.Mutex
	nextProxy int
	pages     map[string]*cdpPage
}

var _ Provider = (*Allocator)(nil)

// NewAllocator creates an Allocator. Browser processes are children of parent.
func NewAllocator(parent context.Context, browserCfg config.BrowserConfig, networkCfg config.NetworkConfig, logger *zap.Logger) *Allocator {
	return &Allocator{
		parent:  parent,
		browser: browserCfg,
		network: networkCfg,
		logger:  logger.Named("allocator"),
		pages:   make(map[string]*cdpPage),
	}
}

// allocatorFlags returns the Chrome flags layered on top of chromedp's defaults.
func allocatorFlags(cfg config.BrowserConfig) map[string]any {
	flags := map[string]any{
		"headless":        cfg.Headless,
		"disable-gpu":     cfg.Headless,
		"mute-audio":      true,
		"hide-scrollbars": cfg.Headless,
	}
	if cfg.DisableCache {
		flags["disk-cache-size"] = "0"
		flags["media-cache-size"] = "0"
		flags["disable-cache"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		flags["window-size"] = strconv.Itoa(w) + "," + strconv.Itoa(h)
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}
	for _, arg := range cfg.Args {
		name, value := splitArg(arg)
		if name != "" {
			flags[name] = value
		}
	}
	return flags
}

// splitArg turns "--name=value" into ("name", "value") and "--name" into ("name", true).
func splitArg(arg string) (string, any) {
	for len(arg) > 0 && arg[0] == '-' {
		arg = arg[1:]
	}
	for i := 0; i < len(arg); i++ {
		if arg[i] == '=' {
			return arg[:i], arg[i+1:]
		}
	}
	return arg, true
}

// DefaultAllocatorOptions builds the exec allocator options for cfg.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := allocatorFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	return opts
}

func (a *Allocator) leaseProxy() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.network.Proxies) == 0 {
		return ""
	}
	proxy := a.network.Proxies[a.nextProxy%len(a.network.Proxies)]
	a.nextProxy++
	return proxy
}

// Acquire launches a browser and returns its first tab.
func (a *Allocator) Acquire(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proxy := a.leaseProxy()
	opts := DefaultAllocatorOptions(a.browser)
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(a.parent, opts...)
	log := a.logger
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		log.Debug("chromedp: " + fmt.Sprintf(format, args...))
	}))

	id := uuid.New().String()
	page := &cdpPage{
		id:     id,
		ctx:    tabCtx,
		proxy:  proxy,
		logger: a.logger.With(zap.String("page_id", id)),
	}
	page.cancel = func() {
		tabCancel()
		allocCancel()
	}

	// 1. Start the browser. The first Run must receive the tab context itself,
	// a derived context would tie the browser lifetime to it.
	if err := chromedp.Run(tabCtx); err != nil {
		page.cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	// 2. Static request headers.
	if len(a.network.Headers) > 0 {
		headers := make(network.Headers, len(a.network.Headers))
		for k, v := range a.network.Headers {
			headers[k] = v
		}
		if err := page.run(ctx, network.Enable(), network.SetExtraHTTPHeaders(headers)); err != nil {
			a.shutdown(page)
			return nil, fmt.Errorf("failed to apply request headers: %w", err)
		}
	}

	a.mu.Lock()
	a.pages[page.id] = page
	a.mu.Unlock()

	a.logger.Debug("Browsing context acquired.", zap.String("page_id", page.id), zap.Bool("proxied", proxy != ""))
	return page, nil
}

// Release closes the browser behind page. Releasing twice is a no-op.
func (a *Allocator) Release(_ context.Context, page Page) error {
	cp, ok := page.(*cdpPage)
	if !ok {
		return fmt.Errorf("page %T was not created by this allocator", page)
	}

	a.mu.Lock()
	delete(a.pages, cp.id)
	a.mu.Unlock()

	a.shutdown(cp)
	return nil
}

// Rotate releases page and acquires a new one on the next proxy.
func (a *Allocator) Rotate(ctx context.Context, page Page) (Page, error) {
	if page != nil {
		if err := a.Release(ctx, page); err != nil {
			return nil, err
		}
	}
	return a.Acquire(ctx)
}

// Shutdown closes every page still open.
func (a *Allocator) Shutdown() {
	a.mu.Lock()
	pages := make([]*cdpPage, 0, len(a.pages))
	for id, p := range a.pages {
		pages = append(pages, p)
		delete(a.pages, id)
	}
	a.mu.Unlock()

	for _, p := range pages {
		a.shutdown(p)
	}
}

// shutdown closes the browser gracefully, falling back to a hard cancel when
// it does not exit within the shutdown timeout.
func (a *Allocator) shutdown(p *cdpPage) {
	if p.closed.Swap(true) {
		return
	}

	timeout := a.browser.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	done := make(chan error, 1)
	go func() {
		// chromedp.Cancel blocks until the browser process exits.
		done <- chromedp.Cancel(p.ctx)
	}()

	select {
	case err := <-done:
		if err != nil && p.ctx.Err() == nil {
			a.logger.Debug("Graceful browser shutdown failed.", zap.String("page_id", p.id), zap.Error(err))
		}
	case <-time.After(timeout):
		a.logger.Warn("Browser shutdown timed out; forcing.", zap.String("page_id", p.id), zap.Duration("timeout", timeout))
	}
	p.cancel()
}

package reports

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/platinummonkey/netforge/pkg/config"
	"github.com/platinummonkey/netforge/pkg/observability"
)

// RodRenderer prints HTML to PDF with a headless Chromium driven by go-rod.
// The browser is launched on first use and shared by every render.
type RodRenderer struct {
	cfg    config.ReportsConfig
	logger *observability.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodRenderer creates a renderer. Chromium is not started until the
// first RenderPDF call.
func NewRodRenderer(cfg config.ReportsConfig, logger *observability.Logger) *RodRenderer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 60 * time.Second
	}
	return &RodRenderer{cfg: cfg, logger: logger.WithField("component", "pdf")}
}

func (r *RodRenderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().Headless(r.cfg.Headless).NoSandbox(true)
	if r.cfg.ChromeBin != "" {
		l = l.Bin(r.cfg.ChromeBin)
	} else if bin, ok := launcher.LookPath(); ok {
		l = l.Bin(bin)
	}
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chromium: %w", err)
	}
	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to chromium: %w", err)
	}
	r.launcher = l
	r.browser = browser
	r.logger.Info("chromium started")
	return browser, nil
}

// RenderPDF loads html into a fresh page and prints it
func (r *RodRenderer) RenderPDF(ctx context.Context, html []byte) ([]byte, error) {
	browser, err := r.connect()
	if err != nil {
		return nil, err
	}
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	p := page.Context(ctx).Timeout(r.cfg.RenderTimeout)
	if err := p.SetDocumentContent(string(html)); err != nil {
		return nil, fmt.Errorf("failed to load report html: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("failed waiting for report html: %w", err)
	}
	stream, err := p.PDF(&proto.PagePrintToPDF{
		PrintBackground:   true,
		PreferCSSPageSize: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to print pdf: %w", err)
	}
	defer stream.Close()
	return io.ReadAll(stream)
}

// Close shuts the browser down
func (r *RodRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.launcher.Kill()
	r.browser, r.launcher = nil, nil
	return err
}

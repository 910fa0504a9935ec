package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/internal/browser/stealth"
	"github.com/xkilldash9x/hypeauto/internal/config"
)

// ChromeLauncher launches local Chrome processes through chromedp's exec allocator.
type ChromeLauncher struct {
	logger  *zap.Logger
	cfg     config.BrowserConfig
	redeem  config.RedeemConfig
	filter  *TrafficFilter
	persona stealth.Persona
}

// NewChromeLauncher creates a launcher for the configured browser.
func NewChromeLauncher(cfg config.Interface, logger *zap.Logger) *ChromeLauncher {
	return &ChromeLauncher{
		logger:  logger.Named("launcher"),
		cfg:     cfg.Browser(),
		redeem:  cfg.Redeem(),
		filter:  NewTrafficFilter(cfg.Traffic()),
		persona: stealth.PersonaFromConfig(cfg.Browser()),
	}
}

// Launch starts one browser process and waits until it responds.
func (l *ChromeLauncher) Launch(ctx context.Context, index int) (Host, error) {
	id := fmt.Sprintf("host-%d", index)
	logger := l.logger.With(zap.String("host", id))

	// The process outlives the startup context; only its values are inherited.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run binds the browser process to browserCtx, so it must not run under a
	// derived timeout context.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	timeout := l.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("browser %s failed to start: %w", id, err)
		}
	case <-timer.C:
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser %s did not start within %s: %w", id, timeout, ErrTimeout)
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return nil, ctx.Err()
	}

	logger.Info("Browser launched.")
	return &chromeHost{
		id:            id,
		logger:        logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		launcher:      l,
	}, nil
}

// allocatorOptions assembles the flags for a configurable browser that does not advertise
// automation.
func (l *ChromeLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	// Later flags overwrite earlier ones; a false value drops the default.
	opts = append(opts,
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(l.persona.UserAgent),
	)
	if l.cfg.Viewport.Width > 0 && l.cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(int(l.cfg.Viewport.Width), int(l.cfg.Viewport.Height)))
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	opts = append(opts, parseArgs(l.cfg.Args)...)

	// Required inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}
	return opts
}

// parseArgs turns "name" or "--name=value" strings into allocator flags.
func parseArgs(args []string) []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimLeft(parts[0], "-")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

type chromeHost struct {
	id            string
	logger        *zap.Logger
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	launcher      *ChromeLauncher

	mu     sync.Mutex
	closed bool
	seq    int
}

func (h *chromeHost) ID() string { return h.id }

// NewSession opens a new browser context (isolated cookies and storage) with one page.
func (h *chromeHost) NewSession(ctx context.Context) (Session, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.seq++
	id := fmt.Sprintf("%s/s%d", h.id, h.seq)
	h.mu.Unlock()

	return newChromeSession(ctx, h, id)
}

// Close terminates the browser process.
func (h *chromeHost) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := chromedp.Cancel(h.browserCtx)
	h.browserCancel()
	h.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close browser %s: %w", h.id, err)
	}
	h.logger.Info("Browser closed.")
	return nil
}

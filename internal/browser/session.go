package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hypeauto/internal/browser/stealth"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// chromeSession is one browser context plus its page, driven through chromedp.
type chromeSession struct {
	id     string
	host   *chromeHost
	logger *zap.Logger
	filter *TrafficFilter

	// ctx is the chromedp tab context; every operation derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	defaultTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func newChromeSession(ctx context.Context, h *chromeHost, id string) (*chromeSession, error) {
	tabCtx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithNewBrowserContext())
	s := &chromeSession{
		id:             id,
		host:           h,
		logger:         h.logger.With(zap.String("session", id)),
		filter:         h.launcher.filter,
		ctx:            tabCtx,
		cancel:         cancel,
		defaultTimeout: h.launcher.redeem.DefaultTimeout,
	}
	if s.defaultTimeout <= 0 {
		s.defaultTimeout = 60 * time.Second
	}

	// Registered before the tab exists so no paused request is missed.
	chromedp.ListenTarget(tabCtx, s.onEvent)

	setup := chromedp.Tasks{
		network.Enable(),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
	}
	setup = append(setup, stealth.Apply(h.launcher.persona, s.logger)...)

	// The first Run creates the tab and binds it to tabCtx; a timeout-derived context here
	// would close the tab as soon as setup finished.
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx, setup) }()

	timeout := h.launcher.cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open session %s: %w", id, err)
		}
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("session %s setup exceeded %s: %w", id, timeout, ErrTimeout)
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	s.logger.Debug("Session opened.")
	return s, nil
}

func (s *chromeSession) ID() string     { return s.id }
func (s *chromeSession) HostID() string { return s.host.id }

// onEvent runs on chromedp's event loop and must not block.
func (s *chromeSession) onEvent(ev interface{}) {
	if e, ok := ev.(*fetch.EventRequestPaused); ok {
		go s.handlePaused(e)
	}
}

func (s *chromeSession) handlePaused(e *fetch.EventRequestPaused) {
	verdict := s.filter.Decide(e.Request.URL, string(e.ResourceType))
	err := chromedp.Run(s.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if verdict == Block {
			return fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
		}
		return fetch.ContinueRequest(e.RequestID).Do(ctx)
	}))
	if err != nil && s.ctx.Err() == nil {
		s.logger.Debug("Failed to resolve paused request.",
			zap.String("url", e.Request.URL),
			zap.Stringer("verdict", verdict),
			zap.Error(err))
	}
}

// opContext derives an operation context from the tab that expires after timeout or when
// the caller's ctx ends. Expiry cancels the operation only, never the tab.
func (s *chromeSession) opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	opCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// run executes actions against the tab, mapping deadline expiry to ErrTimeout.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.isClosed() {
		return ErrClosed
	}
	opCtx, cancel := s.opContext(ctx, timeout)
	defer cancel()

	err := chromedp.Run(opCtx, actions...)
	return s.wrapErr(opCtx, err)
}

func (s *chromeSession) wrapErr(opCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(opCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string, wait WaitUntil, timeout time.Duration) error {
	if wait == WaitLoad {
		return s.run(ctx, timeout, chromedp.Navigate(url))
	}
	if s.isClosed() {
		return ErrClosed
	}

	opCtx, cancel := s.opContext(ctx, timeout)
	defer cancel()

	loaded := make(chan struct{}, 1)
	if wait == WaitDOMContentLoaded {
		lctx, lcancel := context.WithCancel(opCtx)
		defer lcancel()
		chromedp.ListenTarget(lctx, func(ev interface{}) {
			if _, ok := ev.(*page.EventDomContentEventFired); ok {
				select {
				case loaded <- struct{}{}:
				default:
				}
			}
		})
	}

	err := chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, errorText, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errorText != "" {
			return fmt.Errorf("navigation to %s failed: %s", url, errorText)
		}
		return nil
	}))
	if err != nil {
		return s.wrapErr(opCtx, err)
	}
	if wait == WaitCommit {
		return nil
	}

	select {
	case <-loaded:
		return nil
	case <-opCtx.Done():
		return s.wrapErr(opCtx, opCtx.Err())
	}
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

const queryTextJS = `(() => {
	const el = document.querySelector(%s);
	if (!el) return {found: false, text: ""};
	return {found: true, text: (el.innerText || el.textContent || "").trim()};
})()`

func (s *chromeSession) QueryText(ctx context.Context, selector string) (string, bool, error) {
	expr, err := jsCall(queryTextJS, selector)
	if err != nil {
		return "", false, err
	}
	var res struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	if err := s.run(ctx, 0, chromedp.Evaluate(expr, &res)); err != nil {
		return "", false, err
	}
	return res.Text, res.Found, nil
}

// fillJS assigns through the prototype's value setter so frameworks that track the
// property see the change, then fires the events a typing user would.
const fillJS = `(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	el.focus();
	const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
	const setter = Object.getOwnPropertyDescriptor(proto, "value").set;
	setter.call(el, %s);
	for (const type of ["input", "change", "keyup"]) {
		el.dispatchEvent(new Event(type, {bubbles: true}));
	}
	return true;
})()`

func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	expr, err := jsCall(fillJS, selector, value)
	if err != nil {
		return err
	}
	var ok bool
	if err := s.run(ctx, 0, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fill %s: element not found", selector)
	}
	return nil
}

func (s *chromeSession) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return s.run(ctx, timeout, chromedp.Click(selector, chromedp.ByQuery))
}

const selectJS = `(() => {
	const el = document.querySelector(%s);
	if (!el) return false;
	el.value = %s;
	el.dispatchEvent(new Event("input", {bubbles: true}));
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return true;
})()`

func (s *chromeSession) SelectOption(ctx context.Context, selector, value string) error {
	expr, err := jsCall(selectJS, selector, value)
	if err != nil {
		return err
	}
	var ok bool
	if err := s.run(ctx, 0, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("select %s: element not found", selector)
	}
	return nil
}

func (s *chromeSession) Evaluate(ctx context.Context, expression string, out any) error {
	return s.run(ctx, 0, chromedp.Evaluate(expression, out))
}

func (s *chromeSession) Screenshot(ctx context.Context, path string) error {
	var buf []byte
	if err := s.run(ctx, 0, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create screenshot dir: %w", err)
		}
	}
	return os.WriteFile(path, buf, 0o644)
}

// ClearCookies clears the cookies of this session's browser context only.
func (s *chromeSession) ClearCookies(ctx context.Context) error {
	return s.run(ctx, 0, chromedp.ActionFunc(func(ctx context.Context) error {
		c := chromedp.FromContext(s.ctx)
		if c == nil || c.Browser == nil {
			return ErrClosed
		}
		return storage.ClearCookies().
			WithBrowserContextID(c.BrowserContextID).
			Do(cdp.WithExecutor(ctx, c.Browser))
	}))
}

// Close disposes of the page and its browser context. It is safe to call more than once.
func (s *chromeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to close session %s: %w", s.id, err)
	}
	s.logger.Debug("Session closed.")
	return nil
}

func (s *chromeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.ctx.Err() != nil
}

// jsCall fills the %s verbs of a script template with JSON-encoded arguments.
func jsCall(template string, args ...any) (string, error) {
	encoded := make([]any, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("failed to encode script argument: %w", err)
		}
		encoded[i] = string(b)
	}
	return fmt.Sprintf(template, encoded...), nil
}

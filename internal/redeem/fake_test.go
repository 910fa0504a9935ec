package redeem

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/hypeauto/internal/browser"
)

// reply is one scripted network response, or the error returned instead of it.
type reply struct {
	status int
	body   string
	err    error
}

// fakePage is a scripted browser.Session that plays the merchant site.
type fakePage struct {
	mu sync.Mutex

	visible    map[string]bool
	waitErrs   map[string]error
	texts      map[string]string
	queryErrs  map[string]error
	formResult string
	bodyText   string
	replies    map[string][]reply
	selectErr  error
	panicOn    string
	onWait     func(ctx context.Context, selector string)

	navigations []string
	waits       []browser.WaitUntil
	clicks      []string
	fills       map[string]string
	selected    map[string]string
	evaluations []string
	screenshots []string
	ctxErrs     []error
	closed      bool
}

// newHappyPage returns a page on which a field-mode redemption succeeds.
func newHappyPage() *fakePage {
	return &fakePage{
		visible: map[string]bool{
			selPINField:     true,
			selCardBack:     true,
			selAccountField: true,
			selRedeemButton: true,
		},
		waitErrs:   map[string]error{},
		texts:      map[string]string{selPINField: "", selProductName: "5000 Diamonds"},
		queryErrs:  map[string]error{},
		formResult: "OK",
		replies: map[string][]reply{
			matchValidatePIN:     {{status: 200, body: `{}`}},
			matchValidateAccount: {{status: 200, body: `{"Success":true,"Username":"ProGamer"}`}},
			matchConfirm:         {{status: 200, body: `{}`}},
		},
		fills:    map[string]string{},
		selected: map[string]string{},
	}
}

func (p *fakePage) record(ctx context.Context) {
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
}

func (p *fakePage) ID() string     { return "host-0/s1" }
func (p *fakePage) HostID() string { return "host-0" }

func (p *fakePage) Navigate(ctx context.Context, url string, wait browser.WaitUntil, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	p.navigations = append(p.navigations, url)
	p.waits = append(p.waits, wait)
	return nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	hook := p.onWait
	p.mu.Unlock()
	if hook != nil {
		hook(ctx, selector)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	if err, ok := p.waitErrs[selector]; ok {
		return err
	}
	if p.visible[selector] {
		return nil
	}
	return browser.ErrTimeout
}

func (p *fakePage) QueryText(ctx context.Context, selector string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	if err, ok := p.queryErrs[selector]; ok {
		return "", false, err
	}
	text, ok := p.texts[selector]
	return text, ok, nil
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	p.fills[selector] = value
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *fakePage) SelectOption(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	if p.panicOn == "select" {
		panic("select exploded")
	}
	p.selected[selector] = value
	return p.selectErr
}

func (p *fakePage) Evaluate(ctx context.Context, expression string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	p.evaluations = append(p.evaluations, expression)
	s, ok := out.(*string)
	switch {
	case !ok:
	case strings.Contains(expression, "NO_GAME_FIELD"):
		*s = p.formResult
	case expression == "document.body.innerText":
		*s = p.bodyText
	}
	return nil
}

func (p *fakePage) InterceptResponse(ctx context.Context, match string, timeout time.Duration, trigger func(context.Context) error) (*browser.Response, error) {
	if err := trigger(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record(ctx)
	queue := p.replies[match]
	if len(queue) == 0 {
		return nil, browser.ErrTimeout
	}
	r := queue[0]
	p.replies[match] = queue[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &browser.Response{URL: "https://redeem.example/" + match, Status: r.status, Body: []byte(r.body)}, nil
}

func (p *fakePage) Screenshot(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshots = append(p.screenshots, path)
	return nil
}

func (p *fakePage) ClearCookies(context.Context) error { return nil }

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) clickCount(selector string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clicks {
		if c == selector {
			n++
		}
	}
	return n
}

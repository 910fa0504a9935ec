package browser

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// responseWaiter follows network events for the first response whose URL contains a
// substring and resolves once its body has been read (or could not be).
type responseWaiter struct {
	match string

	mu        sync.Mutex
	requestID network.RequestID
	resp      *Response
	resolved  bool
	done      chan struct{}
}

func newResponseWaiter(match string) *responseWaiter {
	return &responseWaiter{match: match, done: make(chan struct{})}
}

// observe is called on chromedp's event loop. It returns the request id whose body should
// be fetched, if any.
func (w *responseWaiter) observe(ev interface{}) (network.RequestID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resolved {
		return "", false
	}

	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if w.requestID != "" || e.Response == nil || !strings.Contains(e.Response.URL, w.match) {
			return "", false
		}
		w.requestID = e.RequestID
		w.resp = &Response{URL: e.Response.URL, Status: int(e.Response.Status)}
	case *network.EventLoadingFinished:
		if w.requestID != "" && e.RequestID == w.requestID {
			return e.RequestID, true
		}
	case *network.EventLoadingFailed:
		if w.requestID != "" && e.RequestID == w.requestID {
			w.resolveLocked(nil)
		}
	}
	return "", false
}

func (w *responseWaiter) resolve(body []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resolveLocked(body)
}

func (w *responseWaiter) resolveLocked(body []byte) {
	if w.resolved {
		return
	}
	w.resp.Body = body
	w.resolved = true
	close(w.done)
}

// partial returns whatever was seen so far when the wait is abandoned.
func (w *responseWaiter) partial() *Response {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resp == nil {
		return nil
	}
	r := *w.resp
	return &r
}

func (s *chromeSession) InterceptResponse(ctx context.Context, urlSubstring string, timeout time.Duration, trigger func(context.Context) error) (*Response, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	opCtx, cancel := s.opContext(ctx, timeout)
	defer cancel()

	w := newResponseWaiter(urlSubstring)
	lctx, lcancel := context.WithCancel(opCtx)
	defer lcancel()

	chromedp.ListenTarget(lctx, func(ev interface{}) {
		id, fetchBody := w.observe(ev)
		if !fetchBody {
			return
		}
		go func() {
			var body []byte
			err := chromedp.Run(opCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				body, err = network.GetResponseBody(id).Do(ctx)
				return err
			}))
			if err != nil && opCtx.Err() == nil {
				s.logger.Debug("Failed to fetch intercepted response body.", zap.String("url", urlSubstring), zap.Error(err))
			}
			w.resolve(body)
		}()
	})

	if err := trigger(opCtx); err != nil {
		return nil, s.wrapErr(opCtx, err)
	}

	select {
	case <-w.done:
		return w.partial(), nil
	case <-opCtx.Done():
		return nil, s.wrapErr(opCtx, opCtx.Err())
	}
}

package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a page operation exceeds its deadline.
	ErrTimeout = errors.New("browser: operation timeout")
	// ErrClosed is returned by operations on a closed session or host.
	ErrClosed = errors.New("browser: target closed")
)

// WaitUntil selects the navigation milestone Navigate waits for.
type WaitUntil int

const (
	// WaitCommit returns as soon as the navigation has been accepted by the page.
	WaitCommit WaitUntil = iota
	// WaitDOMContentLoaded waits for the DOMContentLoaded event.
	WaitDOMContentLoaded
	// WaitLoad waits for the load event.
	WaitLoad
)

func (w WaitUntil) String() string {
	switch w {
	case WaitCommit:
		return "commit"
	case WaitDOMContentLoaded:
		return "domcontentloaded"
	case WaitLoad:
		return "load"
	}
	return "unknown"
}

// Response is a network response captured by InterceptResponse.
// Body is nil when the response body could not be retrieved.
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// Launcher starts automation hosts.
type Launcher interface {
	Launch(ctx context.Context, index int) (Host, error)
}

// Host is one running browser process.
type Host interface {
	ID() string
	// NewSession creates an isolated browsing context with a single page.
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is one isolated browsing context holding one page. A Session is used by a
// single goroutine at a time.
type Session interface {
	ID() string
	HostID() string

	Navigate(ctx context.Context, url string, wait WaitUntil, timeout time.Duration) error
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// QueryText returns the trimmed inner text of the first element matching selector
	// without waiting. found is false when nothing matches.
	QueryText(ctx context.Context, selector string) (text string, found bool, err error)
	// Fill sets the value of an input through the native setter and fires input events.
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	SelectOption(ctx context.Context, selector, value string) error
	// Evaluate runs a JavaScript expression and decodes its result into out (which may be nil).
	Evaluate(ctx context.Context, expression string, out any) error
	// InterceptResponse installs a listener for the first response whose URL contains
	// urlSubstring, runs trigger, and waits up to timeout for that response.
	InterceptResponse(ctx context.Context, urlSubstring string, timeout time.Duration, trigger func(context.Context) error) (*Response, error)
	Screenshot(ctx context.Context, path string) error
	ClearCookies(ctx context.Context) error
	Close() error
}

// IsTimeout reports whether err represents an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/browser"
)

// -- Browser Mocks --

// MockLauncher mocks browser.Launcher.
type MockLauncher struct {
	mock.Mock
}

func (m *MockLauncher) Launch(ctx context.Context, index int) (browser.Host, error) {
	args := m.Called(ctx, index)
	host, _ := args.Get(0).(browser.Host)
	return host, args.Error(1)
}

// MockHost mocks browser.Host.
type MockHost struct {
	mock.Mock
}

func (m *MockHost) ID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockHost) NewSession(ctx context.Context) (browser.Session, error) {
	args := m.Called(ctx)
	sess, _ := args.Get(0).(browser.Session)
	return sess, args.Error(1)
}

func (m *MockHost) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockSession mocks browser.Session.
//
// InterceptResponse does not run the trigger by itself; tests that need the trigger's
// side effects invoke it from a Run callback.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) ID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockSession) HostID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockSession) Navigate(ctx context.Context, url string, wait browser.WaitUntil, timeout time.Duration) error {
	args := m.Called(ctx, url, wait, timeout)
	return args.Error(0)
}

func (m *MockSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	args := m.Called(ctx, selector, timeout)
	return args.Error(0)
}

func (m *MockSession) QueryText(ctx context.Context, selector string) (string, bool, error) {
	args := m.Called(ctx, selector)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockSession) Fill(ctx context.Context, selector, value string) error {
	args := m.Called(ctx, selector, value)
	return args.Error(0)
}

func (m *MockSession) Click(ctx context.Context, selector string, timeout time.Duration) error {
	args := m.Called(ctx, selector, timeout)
	return args.Error(0)
}

func (m *MockSession) SelectOption(ctx context.Context, selector, value string) error {
	args := m.Called(ctx, selector, value)
	return args.Error(0)
}

func (m *MockSession) Evaluate(ctx context.Context, expression string, out any) error {
	args := m.Called(ctx, expression, out)
	return args.Error(0)
}

func (m *MockSession) InterceptResponse(ctx context.Context, urlSubstring string, timeout time.Duration, trigger func(context.Context) error) (*browser.Response, error) {
	args := m.Called(ctx, urlSubstring, timeout, trigger)
	resp, _ := args.Get(0).(*browser.Response)
	return resp, args.Error(1)
}

func (m *MockSession) Screenshot(ctx context.Context, path string) error {
	args := m.Called(ctx, path)
	return args.Error(0)
}

func (m *MockSession) ClearCookies(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSession) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Engine Mocks --

// MockRedeemer mocks the redemption engine as seen by the task layer.
type MockRedeemer struct {
	mock.Mock
}

func (m *MockRedeemer) RedeemPIN(ctx context.Context, pin, accountID string) schemas.Outcome {
	args := m.Called(ctx, pin, accountID)
	return args.Get(0).(schemas.Outcome)
}

func (m *MockRedeemer) Stats() schemas.PoolStats {
	args := m.Called()
	return args.Get(0).(schemas.PoolStats)
}

// -- Task Layer Mocks --

// MockNotifier mocks the webhook sender.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, url string, task schemas.Task) error {
	args := m.Called(ctx, url, task)
	return args.Error(0)
}

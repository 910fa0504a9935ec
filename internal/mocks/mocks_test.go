package mocks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/hypeauto/internal/browser"
	"github.com/xkilldash9x/hypeauto/internal/mocks"
)

var (
	_ browser.Launcher = (*mocks.MockLauncher)(nil)
	_ browser.Host     = (*mocks.MockHost)(nil)
	_ browser.Session  = (*mocks.MockSession)(nil)
)

func TestMockSession_InterceptRunsTriggerFromCallback(t *testing.T) {
	sess := new(mocks.MockSession)
	triggered := false

	sess.On("InterceptResponse", mock.Anything, "confirm", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			trigger := args.Get(3).(func(context.Context) error)
			_ = trigger(context.Background())
		}).
		Return(&browser.Response{Status: 200}, nil)

	resp, err := sess.InterceptResponse(context.Background(), "confirm", 0, func(context.Context) error {
		triggered = true
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.True(t, triggered)
	sess.AssertExpectations(t)
}

func TestMockLauncher_NilHost(t *testing.T) {
	l := new(mocks.MockLauncher)
	l.On("Launch", mock.Anything, 0).Return(nil, assert.AnError)

	host, err := l.Launch(context.Background(), 0)
	assert.Nil(t, host)
	assert.ErrorIs(t, err, assert.AnError)
}

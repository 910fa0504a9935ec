package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/hypeauto/internal/config"
)

const testPage = `<!doctype html>
<html><body>
<img src="/banner.png">
<input id="Name">
<select id="NationalityAlphaCode"><option value="AR">AR</option><option value="CL">CL</option></select>
<p class="text-danger"> PIN expirado </p>
<button id="go" onclick="fetch('/api/confirm', {method: 'POST'})">Go</button>
</body></html>`

// findChrome skips the test unless a Chrome binary is available.
func findChrome(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("browser integration test skipped in -short mode")
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("no Chrome binary found")
	return ""
}

func TestChromeSession_Integration(t *testing.T) {
	chrome := findChrome(t)

	var imageHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, testPage)
	})
	mux.HandleFunc("/banner.png", func(w http.ResponseWriter, r *http.Request) {
		imageHits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/confirm", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"ok":true}`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.ExecPath = chrome
	launcher := NewChromeLauncher(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	host, err := launcher.Launch(ctx, 0)
	require.NoError(t, err)
	defer host.Close()

	sess, err := host.NewSession(ctx)
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, "host-0", sess.HostID())

	require.NoError(t, sess.Navigate(ctx, server.URL, WaitLoad, 20*time.Second))
	assert.Equal(t, int32(0), imageHits.Load(), "images are blocked by the traffic filter")

	require.NoError(t, sess.WaitVisible(ctx, "#Name", 5*time.Second))

	text, found, err := sess.QueryText(ctx, ".text-danger, .error-message")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "PIN expirado", text)

	_, found, err = sess.QueryText(ctx, "#missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, sess.Fill(ctx, "#Name", "Juan Perez"))
	require.NoError(t, sess.SelectOption(ctx, "#NationalityAlphaCode", "CL"))
	var values []string
	require.NoError(t, sess.Evaluate(ctx, `[document.querySelector("#Name").value, document.querySelector("#NationalityAlphaCode").value]`, &values))
	assert.Equal(t, []string{"Juan Perez", "CL"}, values)

	resp, err := sess.InterceptResponse(ctx, "/api/confirm", 10*time.Second, func(ctx context.Context) error {
		return sess.Click(ctx, "#go", 5*time.Second)
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))

	err = sess.WaitVisible(ctx, "#never", 300*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	require.NoError(t, sess.ClearCookies(ctx))
	require.NoError(t, sess.Navigate(ctx, server.URL+"/?again", WaitDOMContentLoaded, 10*time.Second))

	shot := filepath.Join(t.TempDir(), "shots", "debug.png")
	require.NoError(t, sess.Screenshot(ctx, shot))
	info, err := os.Stat(shot)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close(), "close is idempotent")
	assert.ErrorIs(t, sess.Navigate(ctx, server.URL, WaitCommit, time.Second), ErrClosed)
}

func TestJSCallEncoding(t *testing.T) {
	script, err := jsCall(`fill(%s, %s, %s)`, "#Name", `Juan "JP" </script>`, 3)
	require.NoError(t, err)
	assert.Equal(t, `fill("#Name", "Juan \"JP\" \u003c/script\u003e", 3)`, script)

	_, err = jsCall(`f(%s)`, make(chan int))
	assert.Error(t, err)
}

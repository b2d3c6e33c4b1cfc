//go:build integration

package rod

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/sessiontap/pkg/browser"
)

func TestRuntimeCapturesCookiesAndSnapshots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>t</title></head><body><script>document.cookie="js=1"</script></body></html>`))
	}))
	defer srv.Close()

	rt, err := NewRuntime(Config{NoSandbox: true, PollInterval: 100 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close()

	inbox := &recordingInbox{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := browser.DefaultSessionConfig()
	cfg.SessionID = "integration"
	cfg.InitialURL = srv.URL
	sess, err := rt.Launch(ctx, cfg, inbox)
	if err != nil {
		t.Skipf("chromium unavailable: %v", err)
	}
	defer sess.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var sawCookies, sawHTML, sawNav bool
		for _, k := range inbox.kinds() {
			switch k {
			case browser.KindCookies:
				sawCookies = true
			case browser.KindHTMLBody:
				sawHTML = true
			case browser.KindNavigation:
				sawNav = true
			}
		}
		if sawCookies && sawHTML && sawNav {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("missing messages, got kinds %v", inbox.kinds())
}

func TestRuntimeKeepsMessagesAcrossFastRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><script>document.cookie="login=ok";location.assign("/next")</script></body></html>`))
	})
	mux.HandleFunc("/next", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>next</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// A poll interval far longer than the redirect would lose anything left
	// in the page.
	rt, err := NewRuntime(Config{NoSandbox: true, PollInterval: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close()

	inbox := &recordingInbox{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := browser.DefaultSessionConfig()
	cfg.SessionID = "redirect"
	cfg.InitialURL = srv.URL + "/"
	sess, err := rt.Launch(ctx, cfg, inbox)
	if err != nil {
		t.Skipf("chromium unavailable: %v", err)
	}
	defer sess.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		inbox.mu.Lock()
		for _, m := range inbox.msgs {
			if c, ok := m.(browser.CookiesMessage); ok && strings.Contains(c.Raw, "login=ok") {
				inbox.mu.Unlock()
				return
			}
		}
		inbox.mu.Unlock()
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("document.cookie write before redirect was lost, got kinds %v", inbox.kinds())
}

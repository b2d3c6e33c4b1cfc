// Package instrument holds the in-page scripts that observe cookies, page
// snapshots, window.close, and optionally fetch/XHR traffic. Scripts hand
// each message to the BindingName binding the engine adapter installs, so
// it leaves the page before a navigation can discard it. Without the binding
// messages queue in a page-global outbox that the adapter drains.
package instrument

import (
	"embed"
	"strings"
)

//go:embed js/*.js
var scripts embed.FS

// BindingName is the page binding scripts send JSON messages through.
const BindingName = "__sessiontapEmit"

// DrainExpression empties the fallback outbox and returns its messages as an array.
const DrainExpression = `() => (window.__sessiontapDrain ? window.__sessiontapDrain() : [])`

// RequestTypes are the request_type values the interceptor produces.
var RequestTypes = []string{"fetch_request", "fetch_response", "fetch_error", "xhr_request", "xhr_response"}

// Script returns the bundle to install before any page script runs.
func Script(intercept bool) string {
	parts := []string{"outbox.js", "cookies.js", "html.js", "close.js"}
	if intercept {
		parts = append(parts, "intercept.js")
	}
	var b strings.Builder
	for _, name := range parts {
		b.WriteString(mustRead(name))
		b.WriteString("\n")
	}
	return b.String()
}

func mustRead(name string) string {
	data, err := scripts.ReadFile("js/" + name)
	if err != nil {
		panic("instrument: missing embedded script " + name)
	}
	return string(data)
}

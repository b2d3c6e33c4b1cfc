package browser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// MessageKind discriminates inbound instrumentation messages.
type MessageKind string

const (
	KindCookies     MessageKind = "cookies"
	KindHTMLBody    MessageKind = "html_body"
	KindIntercepted MessageKind = "intercepted_request"
	KindWindowClose MessageKind = "window.close"
	KindNavigation  MessageKind = "navigation"
	KindUnknown     MessageKind = "unknown"
)

// Inbound is the closed set of messages a session router consumes.
// Only types in this package implement it.
type Inbound interface {
	Kind() MessageKind
	inbound()
}

// CookieFormat describes how a cookies payload was encoded.
type CookieFormat int

const (
	// CookieFormatMap carries pre-split name/value entries.
	CookieFormatMap CookieFormat = iota
	// CookieFormatHeader carries raw Set-Cookie style lines.
	CookieFormatHeader
	// CookieFormatDocument carries a document.cookie string ("a=1; b=2").
	CookieFormatDocument
)

// CookiesMessage reports cookies observed for a domain.
type CookiesMessage struct {
	Domain  string
	Format  CookieFormat
	Entries map[string]string
	Raw     string
}

// HTMLMessage carries a captured page snapshot.
type HTMLMessage struct {
	HTML string
}

// InterceptedMessage carries one captured fetch/XHR exchange.
type InterceptedMessage struct {
	RequestType string
	Data        json.RawMessage
}

// CloseMessage is the page asking to close the window.
type CloseMessage struct{}

// NavigationKind distinguishes engine navigation callbacks.
type NavigationKind string

const (
	NavigationLoadRequest    NavigationKind = "load_request"
	NavigationLocationChange NavigationKind = "location_change"
)

// NavigationMessage reports that the engine started loading or settled on a URL.
type NavigationMessage struct {
	URL string
	Via NavigationKind
}

// UnknownMessage preserves the discriminator of an unrecognised message.
type UnknownMessage struct {
	Name string
}

func (CookiesMessage) Kind() MessageKind     { return KindCookies }
func (HTMLMessage) Kind() MessageKind        { return KindHTMLBody }
func (InterceptedMessage) Kind() MessageKind { return KindIntercepted }
func (CloseMessage) Kind() MessageKind       { return KindWindowClose }
func (NavigationMessage) Kind() MessageKind  { return KindNavigation }
func (UnknownMessage) Kind() MessageKind     { return KindUnknown }

func (CookiesMessage) inbound()     {}
func (HTMLMessage) inbound()        {}
func (InterceptedMessage) inbound() {}
func (CloseMessage) inbound()       {}
func (NavigationMessage) inbound()  {}
func (UnknownMessage) inbound()     {}

type rawMessage struct {
	Event   string          `json:"event"`
	Type    string          `json:"type"`
	Domain  string          `json:"domain"`
	Cookies json.RawMessage `json:"cookies"`
	HTML    *string         `json:"html"`
	Data    json.RawMessage `json:"data"`
	URL     string          `json:"url"`
	Kind    string          `json:"kind"`
}

type interceptedPayload struct {
	RequestType string          `json:"request_type"`
	Data        json.RawMessage `json:"data"`
}

type headerEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DecodeInbound parses one instrumentation message. Errors wrap
// ErrInvalidMessage; callers drop the message and continue.
func DecodeInbound(data []byte) (Inbound, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	kind := strings.TrimSpace(raw.Event)
	if kind == "" {
		kind = strings.TrimSpace(raw.Type)
	}
	switch kind {
	case "":
		return nil, fmt.Errorf("%w: missing event discriminator", ErrInvalidMessage)
	case string(KindCookies):
		return decodeCookies(raw, false)
	case "cookie_operation":
		return decodeCookies(raw, true)
	case string(KindHTMLBody):
		if raw.HTML == nil {
			return nil, fmt.Errorf("%w: html_body without html", ErrInvalidMessage)
		}
		return HTMLMessage{HTML: *raw.HTML}, nil
	case string(KindIntercepted):
		return decodeIntercepted(raw)
	case string(KindWindowClose):
		return CloseMessage{}, nil
	case string(KindNavigation):
		if strings.TrimSpace(raw.URL) == "" {
			return nil, fmt.Errorf("%w: navigation without url", ErrInvalidMessage)
		}
		navKind := NavigationKind(raw.Kind)
		if navKind != NavigationLoadRequest {
			navKind = NavigationLocationChange
		}
		return NavigationMessage{URL: raw.URL, Via: navKind}, nil
	default:
		return UnknownMessage{Name: kind}, nil
	}
}

func decodeCookies(raw rawMessage, document bool) (Inbound, error) {
	payload := bytes.TrimSpace(raw.Cookies)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil, fmt.Errorf("%w: cookies without payload", ErrInvalidMessage)
	}
	msg := CookiesMessage{Domain: raw.Domain}

	switch payload[0] {
	case '{':
		entries := map[string]string{}
		var values map[string]any
		if err := json.Unmarshal(payload, &values); err != nil {
			return nil, fmt.Errorf("%w: cookies map: %v", ErrInvalidMessage, err)
		}
		for name, v := range values {
			entries[name] = stringify(v)
		}
		msg.Format = CookieFormatMap
		msg.Entries = entries
	case '"':
		var text string
		if err := json.Unmarshal(payload, &text); err != nil {
			return nil, fmt.Errorf("%w: cookies string: %v", ErrInvalidMessage, err)
		}
		msg.Raw = text
		msg.Format = CookieFormatHeader
		if document && !looksLikeSetCookie(text) {
			msg.Format = CookieFormatDocument
		}
	case '[':
		lines, err := decodeHeaderArray(payload)
		if err != nil {
			return nil, err
		}
		msg.Raw = strings.Join(lines, "\n")
		msg.Format = CookieFormatHeader
	default:
		return nil, fmt.Errorf("%w: unsupported cookies payload", ErrInvalidMessage)
	}
	return msg, nil
}

// decodeHeaderArray accepts either ["a=1; Path=/", ...] or the
// webRequest header shape [{"name":"set-cookie","value":"a=1"}, ...].
func decodeHeaderArray(payload []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("%w: cookies array: %v", ErrInvalidMessage, err)
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		switch item[0] {
		case '"':
			var line string
			if err := json.Unmarshal(item, &line); err == nil {
				lines = append(lines, line)
			}
		case '{':
			var h headerEntry
			if err := json.Unmarshal(item, &h); err != nil {
				continue
			}
			if h.Name != "" && !strings.EqualFold(h.Name, "set-cookie") {
				continue
			}
			lines = append(lines, h.Value)
		}
	}
	return lines, nil
}

func decodeIntercepted(raw rawMessage) (Inbound, error) {
	payload := bytes.TrimSpace(raw.Data)
	if len(payload) == 0 || payload[0] != '{' {
		return nil, fmt.Errorf("%w: intercepted_request without data object", ErrInvalidMessage)
	}
	var p interceptedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: intercepted_request: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(p.RequestType) == "" {
		return nil, fmt.Errorf("%w: intercepted_request without request_type", ErrInvalidMessage)
	}
	return InterceptedMessage{RequestType: p.RequestType, Data: p.Data}, nil
}

var setCookieAttributes = []string{"domain=", "path=", "expires=", "max-age=", "samesite="}

func looksLikeSetCookie(s string) bool {
	parts := strings.Split(s, ";")
	for _, part := range parts[1:] {
		attr := strings.ToLower(strings.TrimSpace(part))
		if attr == "secure" || attr == "httponly" {
			return true
		}
		for _, known := range setCookieAttributes {
			if strings.HasPrefix(attr, known) {
				return true
			}
		}
	}
	return false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

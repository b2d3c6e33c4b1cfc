package browser

import (
	"errors"
	"testing"
)

func TestDecodeInboundNavigation(t *testing.T) {
	tests := []struct {
		name string
		data string
		want NavigationKind
	}{
		{"load request", `{"event":"navigation","url":"https://a.example/","kind":"load_request"}`, NavigationLoadRequest},
		{"location change", `{"event":"navigation","url":"https://a.example/","kind":"location_change"}`, NavigationLocationChange},
		{"missing kind", `{"event":"navigation","url":"https://a.example/"}`, NavigationLocationChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeInbound: %v", err)
			}
			nav, ok := msg.(NavigationMessage)
			if !ok {
				t.Fatalf("got %T, want NavigationMessage", msg)
			}
			if nav.Kind() != KindNavigation {
				t.Fatalf("Kind() = %q", nav.Kind())
			}
			if nav.Via != tt.want || nav.URL != "https://a.example/" {
				t.Fatalf("got %+v, want via %q", nav, tt.want)
			}
		})
	}
}

func TestDecodeInboundCookieShapes(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format CookieFormat
	}{
		{"map", `{"event":"cookies","domain":"a.example","cookies":{"sid":"1"}}`, CookieFormatMap},
		{"header array", `{"event":"cookies","cookies":["sid=1; Path=/"]}`, CookieFormatHeader},
		{"document", `{"type":"cookie_operation","domain":"a.example","cookies":"sid=1; theme=dark"}`, CookieFormatDocument},
		{"document set-cookie write", `{"type":"cookie_operation","domain":"a.example","cookies":"sid=1; path=/"}`, CookieFormatHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeInbound: %v", err)
			}
			c, ok := msg.(CookiesMessage)
			if !ok {
				t.Fatalf("got %T, want CookiesMessage", msg)
			}
			if c.Format != tt.format {
				t.Fatalf("format = %d, want %d", c.Format, tt.format)
			}
		})
	}
}

func TestDecodeInboundRejectsMalformed(t *testing.T) {
	for _, data := range []string{
		`not json`,
		`{}`,
		`{"event":"navigation"}`,
		`{"event":"html_body"}`,
		`{"event":"cookies"}`,
		`{"event":"intercepted_request","data":{}}`,
	} {
		if _, err := DecodeInbound([]byte(data)); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("DecodeInbound(%s) err = %v, want ErrInvalidMessage", data, err)
		}
	}
}

func TestDecodeInboundUnknownKind(t *testing.T) {
	msg, err := DecodeInbound([]byte(`{"event":"something_new"}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	u, ok := msg.(UnknownMessage)
	if !ok || u.Name != "something_new" || u.Kind() != KindUnknown {
		t.Fatalf("got %#v", msg)
	}
}

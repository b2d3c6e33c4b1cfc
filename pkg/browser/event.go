package browser

import "encoding/json"

// EventKind identifies an outbound event.
type EventKind string

const (
	EventNavigation      EventKind = "navigation"
	EventLocationChanged EventKind = "location_changed"
	EventClose           EventKind = "close"
	EventIntercepted     EventKind = "intercepted_request"
)

// Event is a single notification for the external automation engine.
type Event interface {
	Kind() EventKind
	EventID() string
}

// NavigationEvent reports page state aggregated since the previous emission.
type NavigationEvent struct {
	ID          string
	URL         string
	HTML        string
	Cookies     map[string]string
	VisitedURLs []string
}

// LocationChangedEvent reports that the engine settled on a new URL.
type LocationChangedEvent struct {
	ID  string
	URL string
}

// CloseEvent reports that the session is closing.
type CloseEvent struct {
	ID string
}

// InterceptedRequestEvent relays one captured fetch/XHR exchange.
type InterceptedRequestEvent struct {
	ID          string
	RequestType string
	Data        json.RawMessage
}

func (e NavigationEvent) Kind() EventKind         { return EventNavigation }
func (e LocationChangedEvent) Kind() EventKind    { return EventLocationChanged }
func (e CloseEvent) Kind() EventKind              { return EventClose }
func (e InterceptedRequestEvent) Kind() EventKind { return EventIntercepted }

func (e NavigationEvent) EventID() string         { return e.ID }
func (e LocationChangedEvent) EventID() string    { return e.ID }
func (e CloseEvent) EventID() string              { return e.ID }
func (e InterceptedRequestEvent) EventID() string { return e.ID }

type navigationWire struct {
	Event       EventKind         `json:"event"`
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	HTML        string            `json:"html_body,omitempty"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	VisitedURLs []string          `json:"visited_urls"`
}

// MarshalJSON emits html_body and cookies only when non-empty.
func (e NavigationEvent) MarshalJSON() ([]byte, error) {
	visited := e.VisitedURLs
	if visited == nil {
		visited = []string{}
	}
	return json.Marshal(navigationWire{
		Event:       EventNavigation,
		ID:          e.ID,
		URL:         e.URL,
		HTML:        e.HTML,
		Cookies:     e.Cookies,
		VisitedURLs: visited,
	})
}

func (e LocationChangedEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event EventKind `json:"event"`
		ID    string    `json:"id"`
		URL   string    `json:"url"`
	}{EventLocationChanged, e.ID, e.URL})
}

func (e CloseEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event EventKind `json:"event"`
		ID    string    `json:"id"`
	}{EventClose, e.ID})
}

func (e InterceptedRequestEvent) MarshalJSON() ([]byte, error) {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(struct {
		Event       EventKind       `json:"event"`
		ID          string          `json:"id"`
		RequestType string          `json:"request_type"`
		Data        json.RawMessage `json:"data"`
	}{EventIntercepted, e.ID, e.RequestType, data})
}

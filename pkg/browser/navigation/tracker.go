// Package navigation tracks the current URL, the URLs visited since the last
// outbound navigation event, and the last captured page snapshot.
package navigation

// Snapshot is a detached copy of navigation state.
type Snapshot struct {
	CurrentURL  string
	VisitedURLs []string
	HTML        string
}

// Pending reports whether the snapshot carries anything not yet emitted.
func (s Snapshot) Pending() bool {
	return len(s.VisitedURLs) > 0 || s.HTML != ""
}

// Tracker is owned by a single writer and is not safe for concurrent use.
type Tracker struct {
	currentURL string
	visited    []string
	html       string
}

// NewTracker returns a tracker positioned at initialURL. The initial URL is
// not recorded as visited; the engine reports it once it starts loading.
func NewTracker(initialURL string) *Tracker {
	return &Tracker{currentURL: initialURL}
}

// OnNavigate moves the cursor to url and records it unless it repeats the
// most recent visited entry.
func (t *Tracker) OnNavigate(url string) {
	t.currentURL = url
	if n := len(t.visited); n > 0 && t.visited[n-1] == url {
		return
	}
	t.visited = append(t.visited, url)
}

// OnHTMLCaptured replaces the pending snapshot.
func (t *Tracker) OnHTMLCaptured(html string) {
	t.html = html
}

// CurrentURL returns the durable cursor.
func (t *Tracker) CurrentURL() string {
	return t.currentURL
}

// Peek copies the state without clearing it.
func (t *Tracker) Peek() Snapshot {
	return Snapshot{
		CurrentURL:  t.currentURL,
		VisitedURLs: append([]string(nil), t.visited...),
		HTML:        t.html,
	}
}

// SnapshotAndClear returns the state, then clears the visited list and the
// html snapshot. The current URL is kept.
func (t *Tracker) SnapshotAndClear() Snapshot {
	snap := Snapshot{
		CurrentURL:  t.currentURL,
		VisitedURLs: t.visited,
		HTML:        t.html,
	}
	if snap.VisitedURLs == nil {
		snap.VisitedURLs = []string{}
	}
	t.visited = nil
	t.html = ""
	return snap
}

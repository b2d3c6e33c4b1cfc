package navigation

import (
	"reflect"
	"testing"
)

func TestOnNavigateCollapsesImmediateRepeats(t *testing.T) {
	tr := NewTracker("")
	tr.OnNavigate("https://a.example")
	tr.OnNavigate("https://a.example")

	if got := tr.Peek().VisitedURLs; !reflect.DeepEqual(got, []string{"https://a.example"}) {
		t.Fatalf("visited = %v, want one entry", got)
	}
}

func TestOnNavigateKeepsNonAdjacentRepeats(t *testing.T) {
	tr := NewTracker("")
	for _, u := range []string{"A", "B", "A"} {
		tr.OnNavigate(u)
	}

	want := []string{"A", "B", "A"}
	if got := tr.Peek().VisitedURLs; !reflect.DeepEqual(got, want) {
		t.Fatalf("visited = %v, want %v", got, want)
	}
	if tr.CurrentURL() != "A" {
		t.Fatalf("current = %q, want A", tr.CurrentURL())
	}
}

func TestSnapshotAndClearTwice(t *testing.T) {
	tr := NewTracker("https://start.example")
	tr.OnNavigate("https://one.example")
	tr.OnNavigate("https://two.example")
	tr.OnHTMLCaptured("<html>two</html>")

	first := tr.SnapshotAndClear()
	second := tr.SnapshotAndClear()

	if !reflect.DeepEqual(first.VisitedURLs, []string{"https://one.example", "https://two.example"}) {
		t.Fatalf("first visited = %v", first.VisitedURLs)
	}
	if first.HTML != "<html>two</html>" {
		t.Fatalf("first html = %q", first.HTML)
	}
	if len(second.VisitedURLs) != 0 || second.VisitedURLs == nil {
		t.Fatalf("second visited = %#v, want empty non-nil", second.VisitedURLs)
	}
	if second.HTML != "" {
		t.Fatalf("second html = %q, want empty", second.HTML)
	}
	if first.CurrentURL != "https://two.example" || second.CurrentURL != first.CurrentURL {
		t.Fatalf("current url changed: %q -> %q", first.CurrentURL, second.CurrentURL)
	}
	if second.Pending() {
		t.Fatal("second snapshot should have nothing pending")
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	tr := NewTracker("")
	tr.OnNavigate("A")
	snap := tr.SnapshotAndClear()
	tr.OnNavigate("B")

	if !reflect.DeepEqual(snap.VisitedURLs, []string{"A"}) {
		t.Fatalf("snapshot changed after later navigation: %v", snap.VisitedURLs)
	}

	peek := tr.Peek()
	peek.VisitedURLs[0] = "mutated"
	if got := tr.Peek().VisitedURLs[0]; got != "B" {
		t.Fatalf("peek aliased tracker state: %q", got)
	}
}

func TestInitialURLIsCursorOnly(t *testing.T) {
	tr := NewTracker("https://start.example")
	snap := tr.SnapshotAndClear()
	if snap.CurrentURL != "https://start.example" {
		t.Fatalf("current = %q", snap.CurrentURL)
	}
	if len(snap.VisitedURLs) != 0 {
		t.Fatalf("initial url should not be visited: %v", snap.VisitedURLs)
	}
}

package instrument

import (
	"strings"
	"testing"
)

func TestScriptWithoutInterception(t *testing.T) {
	js := Script(false)
	for _, want := range []string{"__sessiontapOutbox", "cookie_operation", "html_body", "window.close"} {
		if !strings.Contains(js, want) {
			t.Fatalf("bundle missing %q", want)
		}
	}
	if strings.Contains(js, "intercepted_request") {
		t.Fatal("interceptor included without interception")
	}
}

func TestScriptWithInterception(t *testing.T) {
	js := Script(true)
	if !strings.Contains(js, "intercepted_request") {
		t.Fatal("interceptor missing")
	}
	for _, rt := range RequestTypes {
		if !strings.Contains(js, `"`+rt+`"`) {
			t.Fatalf("interceptor never emits %q", rt)
		}
	}
}

func TestOutboxInstalledFirst(t *testing.T) {
	js := Script(true)
	outbox := strings.Index(js, "window.__sessiontapPush =")
	cookies := strings.Index(js, "cookie_operation")
	if outbox < 0 || cookies < 0 || outbox > cookies {
		t.Fatal("outbox must be defined before the observers that use it")
	}
}

func TestScriptSendsThroughBinding(t *testing.T) {
	js := Script(false)
	if !strings.Contains(js, `"`+BindingName+`"`) {
		t.Fatalf("bundle never calls the %s binding", BindingName)
	}
}

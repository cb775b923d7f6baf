package hook

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestKeepResolverAlwaysKeeps(t *testing.T) {
	r := KeepResolver{}
	d := r.Resolve(Request{Path: "a.txt", Current: []byte("x")})
	if d.Resolution != Keep {
		t.Errorf("want Keep, got %v", d.Resolution)
	}
}

func TestResolutionString(t *testing.T) {
	cases := map[Resolution]string{
		Keep:           "keep",
		TemplateStrict: "template_strict",
		TemplateForce:  "template_force",
		Assisted:       "assisted",
	}
	for res, want := range cases {
		if got := res.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", res, got, want)
		}
	}
}

func TestSubprocessResolverEmptyCommandKeeps(t *testing.T) {
	r := &SubprocessResolver{Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	d := r.Resolve(Request{Path: "a.txt"})
	if d.Resolution != Keep {
		t.Errorf("want Keep for empty command, got %v", d.Resolution)
	}
}

func TestSubprocessResolverMissingBinaryFallsBackToKeep(t *testing.T) {
	r := NewSubprocessResolver([]string{"/no/such/merge-tool-binary"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Timeout = time.Second
	d := r.Resolve(Request{
		Path:     "a.txt",
		Baseline: []byte("base"),
		Current:  []byte("cur"),
		Target:   []byte("tgt"),
	})
	if d.Resolution != Keep {
		t.Errorf("want Keep on spawn failure, got %v", d.Resolution)
	}
}

func TestBuildMergePayloadIncludesAllSides(t *testing.T) {
	payload := buildMergePayload(Request{
		Baseline:     []byte("b"),
		Current:      []byte("c"),
		Target:       []byte("t"),
		TemplateDiff: []byte("d"),
	})
	s := string(payload)
	for _, want := range []string{"baseline", "current", "target", "b", "c", "t", "d"} {
		if !contains(s, want) {
			t.Errorf("payload missing %q: %s", want, s)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

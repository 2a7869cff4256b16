package metadata

import (
	"testing"
)

func TestHeadersCloneDoesNotAlias(t *testing.T) {
	original := Headers{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %v", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestHeadersCloneEmpty(t *testing.T) {
	var h Headers
	cloned := h.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil map")
	}
	if len(cloned) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestHeadersWithAndWithAll(t *testing.T) {
	base := New("a", "1")
	with := base.With("b", 2)
	all := base.WithAll(Headers{"c": true})

	if _, ok := base["b"]; ok {
		t.Fatal("With must not mutate the receiver")
	}
	if with["a"] != "1" || with["b"] != 2 {
		t.Fatalf("unexpected With result %#v", with)
	}
	if all["a"] != "1" || all["c"] != true {
		t.Fatalf("unexpected WithAll result %#v", all)
	}
}

func TestNewSkipsNonStringKeysAndOddTail(t *testing.T) {
	h := New("a", 1, 2, "ignored", "tail")
	if len(h) != 1 || h["a"] != 1 {
		t.Fatalf("unexpected headers %#v", h)
	}
}

func TestHeadersString(t *testing.T) {
	h := Headers{"s": "v", "n": 1}
	if h.String("s") != "v" {
		t.Fatal("expected string value")
	}
	if h.String("n") != "" || h.String("missing") != "" {
		t.Fatal("expected empty string for non-string or missing values")
	}
}

func TestMetadataCloneCopiesHeaders(t *testing.T) {
	m := Metadata{ContentType: "application/json", Headers: Headers{"k": "v"}, DeliveryMode: 2}
	c := m.Clone()
	c.Headers["k"] = "changed"

	if m.Headers["k"] != "v" {
		t.Fatal("expected clone headers to be independent")
	}
	if !c.Persistent() || c.ContentType != "application/json" {
		t.Fatalf("expected properties to be copied, got %#v", c)
	}
}

func TestDeathsParsing(t *testing.T) {
	h := Headers{
		HeaderDeath: []any{
			map[string]any{"reason": "rejected", "queue": "orders", "count": int64(2), "exchange": ""},
			Headers{"reason": "expired", "queue": "orders.retry", "count": int64(2)},
			"garbage",
		},
	}

	deaths := h.Deaths()
	if len(deaths) != 2 {
		t.Fatalf("expected 2 deaths, got %d", len(deaths))
	}
	if deaths[0].Reason != "rejected" || deaths[0].Count != 2 || deaths[0].Queue != "orders" {
		t.Fatalf("unexpected first death %#v", deaths[0])
	}

	if got := h.DeathCount("orders", "rejected"); got != 2 {
		t.Fatalf("expected 2 rejections on orders, got %d", got)
	}
	if got := h.DeathCount("", "expired"); got != 2 {
		t.Fatalf("expected 2 expirations, got %d", got)
	}
	if got := h.DeathCount(""); got != 4 {
		t.Fatalf("expected 4 deaths overall, got %d", got)
	}
	if got := h.DeathCount("other"); got != 0 {
		t.Fatalf("expected no deaths for unknown queue, got %d", got)
	}
}

func TestDeathsMissingHeader(t *testing.T) {
	if deaths := (Headers{}).Deaths(); deaths != nil {
		t.Fatalf("expected nil deaths, got %#v", deaths)
	}
}

func TestHeaderCarrier(t *testing.T) {
	h := Headers{"count": 3}
	c := HeaderCarrier(h)
	c.Set("traceparent", "00-abc-def-01")

	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("unexpected value %q", got)
	}
	if h["traceparent"] != "00-abc-def-01" {
		t.Fatal("expected carrier to write through to headers")
	}
	keys := c.Keys()
	if len(keys) != 1 || keys[0] != "traceparent" {
		t.Fatalf("expected only string keys, got %v", keys)
	}
}

package handlers

import "testing"

func TestMessageContextBaseCloneMetadata(t *testing.T) {
	base := MessageContextBase{Message: testMessage(`{}`)}
	clone := base.CloneMetadata()
	clone.Headers["extra"] = "value"
	clone.CorrelationID = "changed"

	if _, ok := base.Metadata().Headers["extra"]; ok {
		t.Fatalf("clone must not share headers")
	}
	if base.CorrelationID() != "corr-1" {
		t.Fatalf("clone must not change the delivery")
	}
	if base.Get("missing") != "" {
		t.Fatalf("missing header should be empty")
	}
}

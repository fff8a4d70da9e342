// ABOUTME: Unit tests for identity context propagation helpers
// ABOUTME: Tests WithIdentity, FromContext, and MustFromContext behavior

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	expected := Identity{Subject: "u1"}

	ctx := WithIdentity(context.Background(), expected)
	got, ok := FromContext(ctx)

	if !ok {
		t.Fatal("FromContext() ok = false, want true")
	}

	if got.Subject != expected.Subject {
		t.Errorf("Subject = %q, want %q", got.Subject, expected.Subject)
	}
}

func TestFromContext_Missing(t *testing.T) {
	ctx := context.Background()
	got, ok := FromContext(ctx)

	if ok {
		t.Errorf("FromContext() = %v, ok = true, want ok = false", got)
	}
}

func TestFromContext_Anonymous(t *testing.T) {
	ctx := WithIdentity(context.Background(), Anonymous)
	got, ok := FromContext(ctx)

	if !ok {
		t.Fatal("FromContext() ok = false, want true")
	}

	if got != Anonymous {
		t.Errorf("identity = %v, want Anonymous", got)
	}
	if got.Subject != "anonymous" {
		t.Errorf("Subject = %q, want %q", got.Subject, "anonymous")
	}
}

func TestMustFromContext_Present(t *testing.T) {
	expected := Identity{Subject: "u1"}

	ctx := WithIdentity(context.Background(), expected)

	// Should not panic
	got := MustFromContext(ctx)

	if got.Subject != expected.Subject {
		t.Errorf("Subject = %q, want %q", got.Subject, expected.Subject)
	}
}

func TestMustFromContext_Missing(t *testing.T) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic when identity missing")
		}
	}()

	MustFromContext(ctx)
}

// ABOUTME: Unit tests for Identity context propagation
// ABOUTME: Covers attach, retrieve, absent and panic paths

package auth

import (
	"context"
	"testing"
)

func TestWithIdentity_FromContext(t *testing.T) {
	id := &Identity{PrincipalID: "user-1", Kind: KindUser}
	ctx := WithIdentity(context.Background(), id)

	got := FromContext(ctx)
	if got != id {
		t.Errorf("FromContext() = %+v, want %+v", got, id)
	}
}

func TestFromContext_Absent(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustFromContext(context.Background())
}

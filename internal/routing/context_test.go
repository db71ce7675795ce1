package routing

import (
	"context"
	"testing"
)

func TestFromContextReturnsZeroValueWhenUnset(t *testing.T) {
	info := FromContext(context.Background())
	if info != (Info{}) {
		t.Fatalf("expected zero value, got %+v", info)
	}
}

func TestWithAndFromContextRoundTrip(t *testing.T) {
	want := Info{Channel: "loopback", ChatID: "1", MessageID: "m1", SessionKey: "loopback:1"}
	ctx := With(context.Background(), want)
	if got := FromContext(ctx); got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

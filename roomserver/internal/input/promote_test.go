package input

import (
	"reflect"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/coremx/homeserver/roomserver/types"
)

func TestTokenizeSplitsOnNonAlphanumeric(t *testing.T) {
	got := tokenize("Hello, world! 123")
	want := []string{"Hello", "world", "123"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokenize() = %v, want %v", got, want)
	}
}

func TestTokenizeEmptyStringReturnsNil(t *testing.T) {
	if got := tokenize(""); got != nil {
		t.Fatalf("tokenize(\"\") = %v, want nil", got)
	}
}

func TestWithoutServerRemovesOnlyExactMatch(t *testing.T) {
	servers := []spec.ServerName{"a.example.com", "b.example.com", "a.example.com"}
	got := withoutServer(servers, "a.example.com")
	want := []spec.ServerName{"b.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withoutServer() = %v, want %v", got, want)
	}
}

func TestReplaceStateEntryOverwritesMatchingKey(t *testing.T) {
	entries := []types.StateEntry{
		{StateKeyNID: 1, EventNID: 100},
		{StateKeyNID: 2, EventNID: 200},
	}
	got := replaceStateEntry(entries, types.StateEntry{StateKeyNID: 2, EventNID: 999})
	want := []types.StateEntry{
		{StateKeyNID: 1, EventNID: 100},
		{StateKeyNID: 2, EventNID: 999},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("replaceStateEntry() = %v, want %v", got, want)
	}
}

func TestReplaceStateEntryAppendsWhenKeyAbsent(t *testing.T) {
	entries := []types.StateEntry{{StateKeyNID: 1, EventNID: 100}}
	got := replaceStateEntry(entries, types.StateEntry{StateKeyNID: 2, EventNID: 200})
	if len(got) != 2 {
		t.Fatalf("expected appended entry, got %v", got)
	}
}

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestSentinelMatching(t *testing.T) {
	bad := Corrupt(SubBadToken, "row %d out of range", 9).WithRow("TypeRef", 9)
	wrapped := fmt.Errorf("linking: %w", bad)

	if !stderrors.Is(wrapped, ErrCorruptMetadata) {
		t.Fatalf("kind sentinel did not match")
	}
	if !stderrors.Is(wrapped, &Error{Kind: KindCorruptMetadata, Sub: SubBadToken}) {
		t.Fatalf("sub-kind did not match")
	}
	if stderrors.Is(wrapped, &Error{Kind: KindCorruptMetadata, Sub: SubHeapIndex}) {
		t.Fatalf("different sub-kind matched")
	}
	if stderrors.Is(wrapped, ErrTruncated) {
		t.Fatalf("different kind matched")
	}
	if KindOf(wrapped) != KindCorruptMetadata || !IsKind(wrapped, KindCorruptMetadata) {
		t.Fatalf("KindOf = %q", KindOf(wrapped))
	}
	if KindOf(stderrors.New("plain")) != "" {
		t.Fatalf("plain error has a kind")
	}
}

func TestCauseChain(t *testing.T) {
	cause := Truncated(0x40, 4, 0x42)
	err := Unresolved(0x01000003, "loading %s", "Lib").WithCause(cause)

	if !stderrors.Is(err, ErrTruncated) || !stderrors.Is(err, ErrUnresolvedReference) {
		t.Fatalf("cause chain broken: %v", err)
	}
	if err.Category() != CategoryResolution || cause.Category() != CategoryFormat {
		t.Fatalf("categories = %s / %s", err.Category(), cause.Category())
	}
}

func TestMessageCarriesLocation(t *testing.T) {
	err := Truncated(0x10, 4, 0x12).WithAssembly("Lib.dll").WithAssembly("Other.dll")
	msg := err.Error()
	for _, want := range []string{"[" + string(KindTruncated) + "]", "assembly=Lib.dll", "offset=0x10", "width=4"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q lacks %q", msg, want)
		}
	}

	tok := Unresolved(0x23000001, "no compatible assembly").Error()
	if !strings.Contains(tok, "token=0x23000001") || strings.Contains(tok, "offset=") {
		t.Fatalf("message = %q", tok)
	}
	if err.Caller == "" || err.Caller == "unknown" {
		t.Fatalf("caller not recorded")
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{SymbolUnavailable(stderrors.New("bad msf")), true},
		{MissingManagedHeader("native.dll"), true},
		{IllegalImageFormat("bad DOS signature"), false},
		{fmt.Errorf("wrapped: %w", Truncated(0, 1, 0)), false},
	}
	for i, tt := range tests {
		if got := Recoverable(tt.err); got != tt.want {
			t.Fatalf("case %d: Recoverable(%v) = %v", i, tt.err, got)
		}
	}
}

package testutil

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestSandboxRoundTrip(t *testing.T) {
	sb, err := NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	want := []byte(`{"table":"member","key":"02aa","op":"put"}`)
	if err := sb.WriteFile("journal", want, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := sb.ReadFile("journal")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestSandboxWALPathInsideRoot(t *testing.T) {
	sb, err := NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	defer sb.Cleanup()

	if p := sb.WALPath(); !strings.HasPrefix(p, sb.Root) {
		t.Fatalf("WAL path %q escapes sandbox root %q", p, sb.Root)
	}
}

func TestSandboxCleanupRemovesRoot(t *testing.T) {
	sb, err := NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	if err := sb.WriteFile("leftover", []byte("x"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := sb.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(sb.Root); !os.IsNotExist(err) {
		t.Fatalf("expected sandbox root removed, stat err = %v", err)
	}
}

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalExecExecuteCapturesOutputAndReturnCode(t *testing.T) {
	l := NewLocalExec(t.TempDir())
	res, err := l.Execute(context.Background(), "echo hello && exit 3", ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ReturnCode != 3 {
		t.Fatalf("expected return code 3, got %d", res.ReturnCode)
	}
	if want := "hello\n"; res.Output != want {
		t.Fatalf("expected output %q, got %q", want, res.Output)
	}
}

func TestLocalExecReadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLocalExec(dir)
	content, err := l.ReadFile(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "content" {
		t.Fatalf("got %q, want %q", content, "content")
	}
}

func TestLocalExecGlob(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"pkg/a_test.go", "pkg/b.go"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(""), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	l := NewLocalExec(dir)
	matches, err := l.Glob("**/*_test.go")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(matches) != 1 || matches[0] != "pkg/a_test.go" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
}

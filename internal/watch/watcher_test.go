package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func nextBatch(t *testing.T, ch <-chan []string) []string {
	t.Helper()
	select {
	case b, ok := <-ch:
		if !ok {
			t.Fatal("batches closed")
		}
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no batch emitted")
	}
	return nil
}

func write(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("essay"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatchEmitsSupportedDocuments(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "checked")
	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, _, err := Watch(ctx, Config{Root: root, Exclude: []string{out}, Debounce: 50 * time.Millisecond}, quiet())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	write(t, filepath.Join(out, "doc.metadata.json"))
	write(t, filepath.Join(root, "notes.xyz"))
	write(t, filepath.Join(root, ".hidden.txt"))
	write(t, filepath.Join(root, "essay.txt"))

	b := nextBatch(t, batches)
	if len(b) != 1 || filepath.Base(b[0]) != "essay.txt" {
		t.Fatalf("batch = %v", b)
	}

	sub := filepath.Join(root, "student-b")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	write(t, filepath.Join(sub, "scan.png"))
	b = nextBatch(t, batches)
	if len(b) != 1 || b[0] != filepath.Join(sub, "scan.png") {
		t.Fatalf("subdir batch = %v", b)
	}

	cancel()
	for range batches {
	}
}

func TestWatchRequiresRoot(t *testing.T) {
	if _, _, err := Watch(context.Background(), Config{}, quiet()); err == nil {
		t.Fatal("expected error for empty root")
	}
	if _, _, err := Watch(context.Background(), Config{Root: filepath.Join(t.TempDir(), "missing")}, quiet()); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestSubmitCallsPerBatch(t *testing.T) {
	ch := make(chan []string, 2)
	ch <- []string{"a.txt"}
	ch <- []string{"b.txt", "c.txt"}
	close(ch)

	var got [][]string
	Submit(context.Background(), ch, func(_ context.Context, paths []string) (string, error) {
		got = append(got, paths)
		return "job", nil
	}, quiet())
	if len(got) != 2 || len(got[1]) != 2 {
		t.Fatalf("submitted = %v", got)
	}
}

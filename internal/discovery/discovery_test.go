package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/common"
	"github.com/joseph-ayodele/essay-pipeline/internal/pipeline"
)

func touch(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		p := filepath.Join(root, n)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscoverClassifiesAndSorts(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"class-b/essay2.docx",
		"class-a/essay1.DOCX",
		"class-a/scan.HEIC",
		"class-a/notes.md",
		"loose.pdf",
		"class-a/grades.xlsx",
		".hidden/secret.txt",
		"class-a/.DS_Store",
		"out/old.txt",
	)

	docs, stats, err := Discover(context.Background(), root, Options{SkipHidden: true, Exclude: []string{filepath.Join(root, "out")}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	var rels []string
	for _, d := range docs {
		rels = append(rels, d.RelPath)
	}
	want := []string{"class-a/essay1.DOCX", "class-a/notes.md", "class-a/scan.HEIC", "class-b/essay2.docx", "loose.pdf"}
	if len(rels) != len(want) {
		t.Fatalf("got %v, want %v", rels, want)
	}
	for i := range want {
		if rels[i] != want[i] {
			t.Fatalf("got %v, want %v", rels, want)
		}
	}
	if docs[0].Kind != constants.KindDOCX || docs[2].Kind != constants.KindImage || docs[1].Kind != constants.KindText {
		t.Fatalf("unexpected kinds: %s %s %s", docs[0].Kind, docs[1].Kind, docs[2].Kind)
	}
	if docs[0].Submission != "class-a" || docs[4].Submission != "" {
		t.Fatalf("unexpected submissions %q %q", docs[0].Submission, docs[4].Submission)
	}
	if stats.Unsupported != 1 || stats.Matched != 5 || stats.ByKind["image"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDiscoverIDsAreDistinct(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "same/essay1.docx", "same/essay2.docx", "same/essay 1.docx")
	docs, _, err := Discover(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	seen := map[string]bool{}
	for _, d := range docs {
		if seen[d.ID] {
			t.Fatalf("duplicate id %s", d.ID)
		}
		seen[d.ID] = true
	}
}

func TestDiscoverIncludeFilter(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.pdf", "b.docx", "c.png")
	docs, _, err := Discover(context.Background(), root, Options{IncludeExts: []string{".PDF", "png"}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}

func TestDiscoverErrors(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "file.txt")

	if _, _, err := Discover(context.Background(), filepath.Join(root, "missing"), Options{}); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := Discover(context.Background(), filepath.Join(root, "file.txt"), Options{}); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := Discover(ctx, root, Options{}); !errors.Is(err, common.ErrCancelled) {
		t.Fatalf("expected cancelled, got %v", err)
	}
}

func TestDiscoverRootsSharingOutputKeepArtifactsApart(t *testing.T) {
	base := t.TempDir()
	classA, classB := filepath.Join(base, "classA"), filepath.Join(base, "classB")
	touch(t, classA, "essay1.txt")
	touch(t, classB, "essay1.txt")
	store, err := pipeline.NewFileStore(filepath.Join(base, "out"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var ids []string
	for _, root := range []string{classA, classB} {
		docs, _, err := Discover(ctx, root, Options{})
		if err != nil || len(docs) != 1 {
			t.Fatalf("Discover(%s) = %d docs, %v", root, len(docs), err)
		}
		d := docs[0]
		if _, err := store.Put(ctx, d.ID, constants.StagePreparation, map[string]string{"source": d.Source}); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, d.ID)
	}
	if ids[0] == ids[1] {
		t.Fatalf("documents under different roots share id %s", ids[0])
	}
	ref, err := store.Get(ctx, ids[0], constants.StagePreparation)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(ref.Data), "classA") {
		t.Fatalf("classA artifact overwritten: %s", ref.Data)
	}
}

package patharchive

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/pgl-snapshot/pkg/metafile"
	"github.com/paulschiretz/pgl-snapshot/pkg/pathwalk"
)

var testTimestamp = time.Date(2025, 3, 9, 14, 30, 5, 0, time.UTC)

func testPlan(t *testing.T, base string, store *metafile.Store) Plan {
	t.Helper()
	return Plan{
		AbsBasePath:  base,
		Prefix:       "pgl-snapshot",
		RootName:     "src",
		Kind:         Full,
		Format:       TarGz,
		Level:        Default,
		TimestampUTC: testTimestamp,
		Store:        store,
	}
}

func newTestStore(t *testing.T, base string) *metafile.Store {
	t.Helper()
	store, err := metafile.Load(base)
	if err != nil {
		t.Fatalf("could not load store: %v", err)
	}
	return store
}

func writeSourceFile(t *testing.T, root, rel string, content []byte) pathwalk.Record {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("could not create parent of %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		t.Fatalf("could not write %s: %v", rel, err)
	}
	return recordFor(t, abs, rel)
}

func recordFor(t *testing.T, abs, rel string) pathwalk.Record {
	t.Helper()
	info, err := os.Lstat(abs)
	if err != nil {
		t.Fatalf("could not stat %s: %v", abs, err)
	}
	return pathwalk.Record{
		AbsPath:    abs,
		RelPathKey: rel,
		Size:       info.Size(),
		Mtime:      info.ModTime().Unix(),
		Mode:       info.Mode(),
	}
}

// readMembers decodes an archive and returns member names in order plus
// their contents.
func readMembers(t *testing.T, path string, format Format) ([]string, map[string][]byte) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("could not open archive: %v", err)
	}
	defer f.Close()

	var payload io.Reader
	switch format {
	case TarZst:
		decoder, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("could not create zstd reader: %v", err)
		}
		defer decoder.Close()
		payload = decoder
	default:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			t.Fatalf("could not create gzip reader: %v", err)
		}
		defer gz.Close()
		payload = gz
	}

	var order []string
	contents := make(map[string][]byte)
	tr := tar.NewReader(payload)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("could not read archive member: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("could not read member %s: %v", header.Name, err)
		}
		order = append(order, header.Name)
		contents[header.Name] = data
	}
	return order, contents
}

func tmpFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	return matches
}

func TestWriterRoundTripTarGz(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)

	records := []pathwalk.Record{
		writeSourceFile(t, src, "a.txt", []byte("alpha")),
		writeSourceFile(t, src, "dir/b.txt", []byte("bravo")),
		writeSourceFile(t, src, "empty.txt", nil),
	}

	archiver := NewArchiver(0, 0, 0)
	w, err := archiver.Open(testPlan(t, base, store))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, record := range records {
		if err := w.Add(context.Background(), record); err != nil {
			t.Fatalf("Add(%s) failed: %v", record.RelPathKey, err)
		}
	}
	finalPath, err := w.Finalize(false)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	wantName := "pgl-snapshot-src-full-20250309_143005.tar.gz"
	if filepath.Base(finalPath) != wantName {
		t.Errorf("final name = %q; want %q", filepath.Base(finalPath), wantName)
	}
	if got := tmpFiles(t, base); len(got) != 0 {
		t.Errorf("temp files left behind: %v", got)
	}

	order, contents := readMembers(t, finalPath, TarGz)
	wantOrder := []string{"a.txt", "dir/b.txt", "empty.txt"}
	if len(order) != len(wantOrder) {
		t.Fatalf("archive has %d members; want %d", len(order), len(wantOrder))
	}
	for i, want := range wantOrder {
		if order[i] != want {
			t.Errorf("member[%d] = %q; want %q", i, order[i], want)
		}
	}
	if string(contents["a.txt"]) != "alpha" || string(contents["dir/b.txt"]) != "bravo" {
		t.Error("member contents do not match the source files")
	}
	if len(contents["empty.txt"]) != 0 {
		t.Errorf("empty member has %d bytes", len(contents["empty.txt"]))
	}

	// Every added entry advances the in-memory store.
	if store.Len() != 3 {
		t.Fatalf("store holds %d entries; want 3", store.Len())
	}
	entry, ok := store.Get("a.txt")
	if !ok || entry.Status != metafile.StatusPresent {
		t.Fatalf("a.txt entry = %+v, ok=%v", entry, ok)
	}
	if entry.Mtime != records[0].Mtime {
		t.Errorf("stored mtime = %d; want %d", entry.Mtime, records[0].Mtime)
	}
	if basis, ok := entry.Basis().(metafile.FastBasis); !ok || basis.Size != 5 {
		t.Errorf("a.txt basis = %#v; want FastBasis{5}", entry.Basis())
	}
}

func TestWriterRoundTripTarZst(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)
	record := writeSourceFile(t, src, "a.txt", []byte("zstd payload"))

	plan := testPlan(t, base, store)
	plan.Format = TarZst
	plan.Kind = Incremental

	w, err := NewArchiver(0, 0, 0).Open(plan)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Add(context.Background(), record); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	finalPath, err := w.Finalize(false)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if filepath.Ext(finalPath) != ".zst" {
		t.Errorf("final path %q does not end in .zst", finalPath)
	}
	_, contents := readMembers(t, finalPath, TarZst)
	if string(contents["a.txt"]) != "zstd payload" {
		t.Errorf("member content = %q", contents["a.txt"])
	}
}

// TestWriterStreamsLargeFiles pushes one file above the large-file
// threshold (streamed chunk copy) and one below it (read ahead whole)
// through the same container and verifies both come back byte-identical.
func TestWriterStreamsLargeFiles(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)

	// 1 MiB threshold, 4 KiB copy buffer: the big file needs many chunks.
	archiver := NewArchiver(4, 1, 1)

	big := make([]byte, 1536*1024)
	for i := range big {
		big[i] = byte(i % 251)
	}
	records := []pathwalk.Record{
		writeSourceFile(t, src, "big.bin", big),
		writeSourceFile(t, src, "small.txt", []byte("tiny")),
	}

	w, err := archiver.Open(testPlan(t, base, store))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, record := range records {
		if err := w.Add(context.Background(), record); err != nil {
			t.Fatalf("Add(%s) failed: %v", record.RelPathKey, err)
		}
	}
	finalPath, err := w.Finalize(false)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	_, contents := readMembers(t, finalPath, TarGz)
	got := contents["big.bin"]
	if len(got) != len(big) {
		t.Fatalf("big member has %d bytes; want %d", len(got), len(big))
	}
	for i := range got {
		if got[i] != big[i] {
			t.Fatalf("big member differs at offset %d", i)
		}
	}
	if string(contents["small.txt"]) != "tiny" {
		t.Errorf("small member content = %q", contents["small.txt"])
	}
}

func TestWriterRecordsThoroughBasis(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)

	record := writeSourceFile(t, src, "a.txt", []byte("alpha"))
	record.Fingerprint = "deadbeef"

	w, err := NewArchiver(0, 0, 0).Open(testPlan(t, base, store))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Add(context.Background(), record); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := w.Finalize(false); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	entry, ok := store.Get("a.txt")
	if !ok {
		t.Fatal("a.txt missing from store")
	}
	basis, ok := entry.Basis().(metafile.ThoroughBasis)
	if !ok || basis.Fingerprint != "deadbeef" {
		t.Errorf("basis = %#v; want ThoroughBasis{deadbeef}", entry.Basis())
	}
}

func TestWriterSkipsVanishedFile(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)

	good := writeSourceFile(t, src, "good.txt", []byte("still here"))
	gone := writeSourceFile(t, src, "gone.txt", []byte("doomed"))
	if err := os.Remove(gone.AbsPath); err != nil {
		t.Fatal(err)
	}

	w, err := NewArchiver(0, 0, 0).Open(testPlan(t, base, store))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Add(context.Background(), gone); err != nil {
		t.Fatalf("Add of vanished file should skip, not fail: %v", err)
	}
	if err := w.Add(context.Background(), good); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	finalPath, err := w.Finalize(false)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	order, _ := readMembers(t, finalPath, TarGz)
	if len(order) != 1 || order[0] != "good.txt" {
		t.Errorf("members = %v; want only good.txt", order)
	}

	// The skipped entry's metadata stays untouched so the next run
	// re-evaluates it.
	if _, ok := store.Get("gone.txt"); ok {
		t.Error("vanished file must not be recorded in the store")
	}
}

func TestWriterSkipsSizeMismatch(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)

	record := writeSourceFile(t, src, "a.txt", []byte("alpha"))
	record.Size++ // simulates the file changing after enumeration

	w, err := NewArchiver(0, 0, 0).Open(testPlan(t, base, store))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Add(context.Background(), record); err != nil {
		t.Fatalf("size mismatch should skip, not fail: %v", err)
	}
	finalPath, err := w.Finalize(false)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	order, _ := readMembers(t, finalPath, TarGz)
	if len(order) != 0 {
		t.Errorf("members = %v; want none", order)
	}
	if store.Len() != 0 {
		t.Errorf("store holds %d entries; want 0", store.Len())
	}
}

func TestWriterFailFast(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)

	gone := writeSourceFile(t, src, "gone.txt", []byte("doomed"))
	if err := os.Remove(gone.AbsPath); err != nil {
		t.Fatal(err)
	}

	plan := testPlan(t, base, store)
	plan.FailFast = true

	w, err := NewArchiver(0, 0, 0).Open(plan)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Add(context.Background(), gone); err == nil {
		t.Fatal("fail-fast Add should return the entry error")
	}
	w.Discard()

	if got := tmpFiles(t, base); len(got) != 0 {
		t.Errorf("Discard left temp files: %v", got)
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Discard left files in base dir: %v", entries)
	}
}

func TestWriterDryRun(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)
	record := writeSourceFile(t, src, "a.txt", []byte("alpha"))

	plan := testPlan(t, base, store)
	plan.DryRun = true

	w, err := NewArchiver(0, 0, 0).Open(plan)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w.Add(context.Background(), record); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	finalPath, err := w.Finalize(false)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if finalPath == "" {
		t.Error("dry run should still report the would-be archive path")
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run wrote files: %v", entries)
	}
	if store.Len() != 0 {
		t.Errorf("dry run advanced the store to %d entries", store.Len())
	}
}

// TestWriterCanceledMidRun verifies the cancellation contract: entries
// appended before the cancel stay readable because Finalize renames the
// container even for an interrupted run.
func TestWriterCanceledMidRun(t *testing.T) {
	src, base := t.TempDir(), t.TempDir()
	store := newTestStore(t, base)

	first := writeSourceFile(t, src, "first.txt", []byte("made it"))
	second := writeSourceFile(t, src, "second.txt", []byte("too late"))

	w, err := NewArchiver(0, 0, 0).Open(testPlan(t, base, store))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Add(ctx, first); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	cancel()
	if err := w.Add(ctx, second); !errors.Is(err, context.Canceled) {
		t.Fatalf("Add after cancel = %v; want context.Canceled", err)
	}

	finalPath, err := w.Finalize(true)
	if err != nil {
		t.Fatalf("Finalize(canceled) failed: %v", err)
	}

	order, contents := readMembers(t, finalPath, TarGz)
	if len(order) != 1 || order[0] != "first.txt" {
		t.Fatalf("members = %v; want only first.txt", order)
	}
	if string(contents["first.txt"]) != "made it" {
		t.Errorf("member content = %q", contents["first.txt"])
	}
}

func TestWriterRefusesExistingArchive(t *testing.T) {
	base := t.TempDir()
	store := newTestStore(t, base)

	name := BuildName("pgl-snapshot", "src", Full, testTimestamp, TarGz)
	if err := os.WriteFile(filepath.Join(base, name), []byte("occupied"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewArchiver(0, 0, 0).Open(testPlan(t, base, store)); err == nil {
		t.Fatal("Open must refuse to replace an existing chain member")
	}
}

func TestWriterRequiresStore(t *testing.T) {
	plan := testPlan(t, t.TempDir(), nil)
	if _, err := NewArchiver(0, 0, 0).Open(plan); err == nil {
		t.Fatal("Open must reject a plan without a store")
	}
}

package util

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{
			name:     "Read-only permission",
			input:    0444, // r--r--r--
			expected: 0644, // rw-r--r--
		},
		{
			name:     "Already has write permission",
			input:    0755, // rwxr-xr-x
			expected: 0755, // rwxr-xr-x (should not change)
		},
		{
			name:     "No permissions",
			input:    0000, // ---------
			expected: 0200, // -w-------
		},
		{
			name:     "Execute-only permission",
			input:    0111, // --x--x--x
			expected: 0311, // -wx--x--x
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := WithUserWritePermission(tc.input)
			if result != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, result)
			}
		})
	}
}

func TestIsHostCaseInsensitiveFS(t *testing.T) {
	expected := (runtime.GOOS == "windows" || runtime.GOOS == "darwin")
	if IsHostCaseInsensitiveFS() != expected {
		t.Errorf("IsHostCaseInsensitiveFS() returned %v, but expected %v for OS %s", IsHostCaseInsensitiveFS(), expected, runtime.GOOS)
	}
}

func TestNormalizePath(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Plain relative path", input: "dir/file.txt", expected: "dir/file.txt"},
		{name: "Trailing separator stripped", input: "dir/sub/", expected: "dir/sub"},
		{name: "Leading dot-slash stripped", input: "./dir/file.txt", expected: "dir/file.txt"},
		{name: "Single name unchanged", input: "file.txt", expected: "file.txt"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizePath(tc.input); got != tc.expected {
				t.Errorf("NormalizePath(%q) = %q, expected %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestNormalizedRelPathRoundTrip(t *testing.T) {
	base := t.TempDir()
	abs := filepath.Join(base, "sub", "dir", "file.txt")

	key, err := NormalizedRelPath(base, abs)
	if err != nil {
		t.Fatalf("NormalizedRelPath failed: %v", err)
	}
	if key != "sub/dir/file.txt" {
		t.Errorf("expected key 'sub/dir/file.txt', got %q", key)
	}

	if back := DenormalizedAbsPath(base, key); back != abs {
		t.Errorf("round trip mismatch: expected %q, got %q", abs, back)
	}
}

func TestByteCountIEC(t *testing.T) {
	testCases := []struct {
		input    int64
		expected string
	}{
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{10 * 1024 * 1024, "10.0 MiB"},
		{int64(3)*1024*1024*1024 + 512*1024*1024, "3.5 GiB"},
	}
	for _, tc := range testCases {
		if got := ByteCountIEC(tc.input); got != tc.expected {
			t.Errorf("ByteCountIEC(%d) = %q, expected %q", tc.input, got, tc.expected)
		}
	}
}

func TestMergeAndDeduplicate(t *testing.T) {
	got := MergeAndDeduplicate([]string{"b", "a"}, []string{"a", "c"}, nil)
	expected := []string{"a", "b", "c"}
	if len(got) != len(expected) {
		t.Fatalf("expected %d entries, got %d (%v)", len(expected), len(got), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("entry %d: expected %q, got %q", i, expected[i], got[i])
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	if err := WriteFileAtomic(path, []byte("first"), UserWritableFilePerms); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), UserWritableFilePerms); err != nil {
		t.Fatalf("WriteFileAtomic overwrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("could not read back file: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("expected content 'second', got %q", data)
	}

	// No temp droppings should remain.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file in dir, found %d", len(entries))
	}
}

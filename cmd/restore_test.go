package cmd_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-snapshot/cmd"
	"github.com/paulschiretz/pgl-snapshot/pkg/hints"
	"github.com/paulschiretz/pgl-snapshot/pkg/patharchive"
	"github.com/paulschiretz/pgl-snapshot/pkg/plog"
)

// writeFile creates a file with parents and backdates its mtime so a later
// modification is strictly newer even within the same wall-clock second.
func writeFile(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	absPath := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(absPath, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return absPath
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Could not read %s: %v", path, err)
	}
	return string(content)
}

func TestRunRestore_RoundTrip(t *testing.T) {
	plog.SetOutput(io.Discard)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	baseDir := t.TempDir()
	sourceDir := t.TempDir()

	past := time.Now().Add(-2 * time.Hour)
	writeFile(t, sourceDir, "a.txt", "alpha", past)
	writeFile(t, sourceDir, filepath.Join("sub", "b.txt"), "beta", past)

	backupFlags := map[string]any{
		"base":   baseDir,
		"source": sourceDir,
	}
	if err := cmd.RunBackup(context.Background(), backupFlags); err != nil {
		t.Fatalf("Initial backup failed: %v", err)
	}

	// Archive names have one-second granularity; the second run must land
	// in a later second to extend the chain and to give the cutoff test a
	// point strictly between the two snapshots.
	time.Sleep(1100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sourceDir, "sub", "b.txt"), []byte("beta v2"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(sourceDir, "a.txt")); err != nil {
		t.Fatal(err)
	}
	if err := cmd.RunBackup(context.Background(), backupFlags); err != nil {
		t.Fatalf("Second backup failed: %v", err)
	}

	chain, err := patharchive.DiscoverChain(baseDir, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 2 {
		t.Fatalf("Expected a chain of 2 archives, got %d", len(chain))
	}
	if chain[0].Kind != patharchive.Full || chain[1].Kind != patharchive.Incremental {
		t.Fatalf("Expected full then incremental, got %s then %s", chain[0].Kind, chain[1].Kind)
	}

	t.Run("Latest State", func(t *testing.T) {
		targetDir := t.TempDir()
		flags := map[string]any{
			"base":   baseDir,
			"target": targetDir,
			"force":  true,
		}
		if err := cmd.RunRestore(context.Background(), flags); err != nil {
			t.Fatalf("RunRestore failed: %v", err)
		}

		if got := readFile(t, filepath.Join(targetDir, "sub", "b.txt")); got != "beta v2" {
			t.Errorf("Expected latest content %q, got %q", "beta v2", got)
		}
		if _, err := os.Stat(filepath.Join(targetDir, "a.txt")); !os.IsNotExist(err) {
			t.Errorf("Deleted file must stay absent after restore, stat returned: %v", err)
		}
	})

	t.Run("Point In Time", func(t *testing.T) {
		targetDir := t.TempDir()
		flags := map[string]any{
			"base":   baseDir,
			"target": targetDir,
			"until":  chain[0].TimestampUTC.Format(patharchive.ArchiveTimeLayout),
		}
		if err := cmd.RunRestore(context.Background(), flags); err != nil {
			t.Fatalf("RunRestore with cutoff failed: %v", err)
		}

		// At the first snapshot the file was not yet deleted and b.txt
		// still had its original content.
		if got := readFile(t, filepath.Join(targetDir, "a.txt")); got != "alpha" {
			t.Errorf("Expected original content %q, got %q", "alpha", got)
		}
		if got := readFile(t, filepath.Join(targetDir, "sub", "b.txt")); got != "beta" {
			t.Errorf("Expected original content %q, got %q", "beta", got)
		}
	})
}

func TestRunRestore_Interactive(t *testing.T) {
	plog.SetOutput(io.Discard)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	baseDir := t.TempDir()
	sourceDir := t.TempDir()
	writeFile(t, sourceDir, "doc.txt", "content", time.Now().Add(-time.Hour))

	backupFlags := map[string]any{
		"base":   baseDir,
		"source": sourceDir,
	}
	if err := cmd.RunBackup(context.Background(), backupFlags); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}

	runInteractive := func(t *testing.T, input string, targetDir string) error {
		t.Helper()

		rIn, wIn, err := os.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		rOut, wOut, err := os.Pipe()
		if err != nil {
			t.Fatal(err)
		}

		origStdin := os.Stdin
		origStdout := os.Stdout
		defer func() {
			os.Stdin = origStdin
			os.Stdout = origStdout
		}()
		os.Stdin = rIn
		os.Stdout = wOut

		go func() {
			defer wIn.Close()
			io.WriteString(wIn, input)
		}()

		// Drain stdout so the menu prints don't block.
		go func() {
			defer rOut.Close()
			io.Copy(io.Discard, rOut)
		}()

		flags := map[string]any{
			"base":   baseDir,
			"target": targetDir,
			// "until" is intentionally omitted to trigger interactive mode
		}
		runErr := cmd.RunRestore(context.Background(), flags)
		wOut.Close()
		return runErr
	}

	t.Run("Select Newest", func(t *testing.T) {
		targetDir := t.TempDir()
		if err := runInteractive(t, "1\n", targetDir); err != nil {
			t.Fatalf("RunRestore failed: %v", err)
		}
		if got := readFile(t, filepath.Join(targetDir, "doc.txt")); got != "content" {
			t.Errorf("Expected restored content %q, got %q", "content", got)
		}
	})

	t.Run("Default Is Cancel", func(t *testing.T) {
		targetDir := t.TempDir()
		if err := runInteractive(t, "\n", targetDir); err != nil {
			t.Fatalf("RunRestore failed (expected nil for cancel): %v", err)
		}
		entries, err := os.ReadDir(targetDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Errorf("Canceled restore must not touch the target, found %d entries", len(entries))
		}
	})
}

func TestRunRestore_Validation(t *testing.T) {
	plog.SetOutput(io.Discard)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	t.Run("Missing Base Flag", func(t *testing.T) {
		err := cmd.RunRestore(context.Background(), map[string]any{"target": t.TempDir()})
		if err == nil || !strings.Contains(err.Error(), "-base flag is required") {
			t.Fatalf("Expected missing base error, got: %v", err)
		}
	})

	t.Run("Missing Target Flag", func(t *testing.T) {
		err := cmd.RunRestore(context.Background(), map[string]any{"base": t.TempDir()})
		if err == nil || !strings.Contains(err.Error(), "-target flag is required") {
			t.Fatalf("Expected missing target error, got: %v", err)
		}
	})

	t.Run("Base Must Exist", func(t *testing.T) {
		flags := map[string]any{
			"base":   filepath.Join(t.TempDir(), "missing"),
			"target": t.TempDir(),
		}
		err := cmd.RunRestore(context.Background(), flags)
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Fatalf("Expected missing base path error, got: %v", err)
		}
	})
}

func TestPromptRestorePoint(t *testing.T) {
	plog.SetOutput(io.Discard)
	t.Cleanup(func() { plog.SetOutput(os.Stderr) })

	now := time.Now().UTC().Truncate(time.Second)
	chain := []patharchive.Member{
		{
			Name:         patharchive.BuildName("pgl-snapshot", "docs", patharchive.Incremental, now, patharchive.TarGz),
			Kind:         patharchive.Incremental,
			Format:       patharchive.TarGz,
			TimestampUTC: now,
			Size:         2048,
		},
		{
			Name:         patharchive.BuildName("pgl-snapshot", "docs", patharchive.Full, now.Add(-time.Hour), patharchive.TarGz),
			Kind:         patharchive.Full,
			Format:       patharchive.TarGz,
			TimestampUTC: now.Add(-time.Hour),
			Size:         4096,
		},
	}

	tests := []struct {
		name         string
		input        string
		expectedName string
		expectHint   bool
	}{
		{
			name:         "Select First",
			input:        "1\n",
			expectedName: chain[0].Name,
		},
		{
			name:         "Select Second",
			input:        "2\n",
			expectedName: chain[1].Name,
		},
		{
			name:       "Cancel via Option",
			input:      "3\n",
			expectHint: true,
		},
		{
			name:       "Cancel via Default (Enter)",
			input:      "\n",
			expectHint: true,
		},
		{
			name:       "Cancel via Quit",
			input:      "q\n",
			expectHint: true,
		},
		{
			name:         "Invalid Input Retry",
			input:        "invalid\n1\n",
			expectedName: chain[0].Name,
		},
		{
			name:         "Out of Range Retry",
			input:        "0\n4\n1\n",
			expectedName: chain[0].Name,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rIn, wIn, _ := os.Pipe()
			rOut, wOut, _ := os.Pipe()

			origStdin := os.Stdin
			origStdout := os.Stdout
			defer func() {
				os.Stdin = origStdin
				os.Stdout = origStdout
			}()
			os.Stdin = rIn
			os.Stdout = wOut

			go func() {
				defer wIn.Close()
				io.WriteString(wIn, tc.input)
			}()

			go func() {
				defer rOut.Close()
				io.Copy(io.Discard, rOut)
			}()

			selected, err := cmd.PromptRestorePoint(chain)
			wOut.Close()

			if tc.expectHint {
				if err == nil {
					t.Fatal("Expected hint error, got nil")
				}
				if !hints.IsHint(err) {
					t.Fatalf("Expected hint error, got: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if selected.Name != tc.expectedName {
				t.Errorf("Expected selection %q, got %q", tc.expectedName, selected.Name)
			}
		})
	}
}

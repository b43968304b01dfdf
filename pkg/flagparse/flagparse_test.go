package flagparse

import (
	"testing"
)

// equalSlices is a helper to compare two string slices for equality.
func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}

func TestParseCommand(t *testing.T) {
	for _, name := range []string{"backup", "restore", "list", "prune", "init", "devices", "version"} {
		cmd, err := ParseCommand(name)
		if err != nil {
			t.Fatalf("ParseCommand(%q) returned error: %v", name, err)
		}
		if cmd.String() != name {
			t.Errorf("ParseCommand(%q).String() = %q", name, cmd.String())
		}
	}

	if _, err := ParseCommand("frobnicate"); err == nil {
		t.Error("expected an error for an unknown command")
	}
}

func TestParse(t *testing.T) {
	t.Run("Backup Flags Land in the Map", func(t *testing.T) {
		args := []string{
			"backup",
			"-base", "/mnt/backups",
			"-source", "/home/user/docs",
			"-mode", "full",
			"-exclude", "*.tmp,'cache/*'",
			"-pre-backup-hooks", "'echo start',sync",
			"-full-every-days", "14",
		}
		cmd, flagMap, err := Parse(args)
		if err != nil {
			t.Fatalf("Parse returned error: %v", err)
		}
		if cmd != Backup {
			t.Fatalf("expected Backup command, got %v", cmd)
		}
		if got := flagMap["base"].(string); got != "/mnt/backups" {
			t.Errorf("base = %q", got)
		}
		if got := flagMap["mode"].(string); got != "full" {
			t.Errorf("mode = %q", got)
		}
		if got := flagMap["full-every-days"].(int); got != 14 {
			t.Errorf("full-every-days = %d", got)
		}
		if got := flagMap["exclude"].([]string); !equalSlices(got, []string{"*.tmp", "cache/*"}) {
			t.Errorf("exclude = %v", got)
		}
		if got := flagMap["pre-backup-hooks"].([]string); !equalSlices(got, []string{"'echo start'", "sync"}) {
			t.Errorf("pre-backup-hooks = %v", got)
		}
	})

	t.Run("Unset Flags Stay Out of the Map", func(t *testing.T) {
		_, flagMap, err := Parse([]string{"backup", "-base", "/mnt/backups"})
		if err != nil {
			t.Fatalf("Parse returned error: %v", err)
		}
		if len(flagMap) != 1 {
			t.Errorf("expected only the set flag in the map, got %v", flagMap)
		}
		if _, ok := flagMap["detection"]; ok {
			t.Error("detection was not set but appeared in the map")
		}
	})

	t.Run("Explicit False Overrides Are Kept", func(t *testing.T) {
		_, flagMap, err := Parse([]string{"prune", "-base", "/mnt/backups", "-retention=false", "-keep-full", "2"})
		if err != nil {
			t.Fatalf("Parse returned error: %v", err)
		}
		if got, ok := flagMap["retention"].(bool); !ok || got {
			t.Errorf("retention = %v, want explicit false", flagMap["retention"])
		}
		if got := flagMap["keep-full"].(int); got != 2 {
			t.Errorf("keep-full = %d", got)
		}
	})

	t.Run("Restore Flags", func(t *testing.T) {
		cmd, flagMap, err := Parse([]string{"restore", "-base", "/mnt/backups", "-target", "/tmp/out", "-until", "20250102_030405", "-force"})
		if err != nil {
			t.Fatalf("Parse returned error: %v", err)
		}
		if cmd != Restore {
			t.Fatalf("expected Restore command, got %v", cmd)
		}
		if got := flagMap["until"].(string); got != "20250102_030405" {
			t.Errorf("until = %q", got)
		}
		if got := flagMap["force"].(bool); !got {
			t.Error("force flag was set but missing from the map")
		}
	})

	t.Run("Commands Without a Flag Set", func(t *testing.T) {
		for _, tc := range []struct {
			arg  string
			want Command
		}{
			{"devices", Devices},
			{"version", Version},
		} {
			cmd, flagMap, err := Parse([]string{tc.arg})
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tc.arg, err)
			}
			if cmd != tc.want {
				t.Errorf("Parse(%q) command = %v", tc.arg, cmd)
			}
			if flagMap != nil {
				t.Errorf("Parse(%q) returned a flag map: %v", tc.arg, flagMap)
			}
		}
	})

	t.Run("Unknown Command", func(t *testing.T) {
		cmd, _, err := Parse([]string{"frobnicate"})
		if err == nil {
			t.Fatal("expected an error for an unknown command")
		}
		if cmd != None {
			t.Errorf("expected None command, got %v", cmd)
		}
	})
}

func TestParseExcludeList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Mixed Quoted and Unquoted", "a,'b,c',d", []string{"a", "b,c", "d"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Multiple Quoted Items", "'a b','c d'", []string{"a b", "c d"}},
		{"Double Quoted Item with Spaces", "\"item with spaces\",b", []string{"item with spaces", "b"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"a \"b\" c", "d"}},
		{"Nested Quotes 2", "\"it's a test\",d", []string{"it's a test", "d"}},
		{"Windows Path with Backslashes", `C:\Users\Test,D:\Data`, []string{`C:\Users\Test`, `D:\Data`}},
		{"Unix Path with Slashes", "/home/user/test,/var/log", []string{"/home/user/test", "/var/log"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseExcludeList(tc.input)

			// Handle the case where an empty input should result in a nil or empty slice.
			if len(tc.expected) == 0 && len(result) == 0 {
				// This is a pass, so we can return early.
				return
			}

			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

func TestParseCmdList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "cmd1,cmd2", []string{"cmd1", "cmd2"}},
		{"Quoted Item with Spaces", "'echo hello',cmd2", []string{"'echo hello'", "cmd2"}},
		{"Quoted Item with Comma", "'echo a,b',c", []string{"'echo a,b'", "c"}},
		{"Unmatched Quote", "'a,b", []string{"'a,b"}},
		{"Multiple Quoted Items", "'a b','c d'", []string{"'a b'", "'c d'"}},
		{"Double Quoted Item with Spaces", "\"item with spaces\",b", []string{"\"item with spaces\"", "b"}},
		{"Mixed Single and Double Quotes", "'a b',\"c,d\",e", []string{"'a b'", "\"c,d\"", "e"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"'a \"b\" c'", "d"}},
		{"Escaped Single Quote Inside Single Quotes", "'hello\\'world',next", []string{"'hello\\'world'", "next"}},
		{"Escaped Double Quote Inside Double Quotes", "\"hello\\\"world\",next", []string{"\"hello\\\"world\"", "next"}},
		{"Escaped Comma Outside Quotes", "a\\,b,c", []string{"a\\,b", "c"}},
		{"Escaped Backslash", "'a\\\\b',c", []string{"'a\\\\b'", "c"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseCmdList(tc.input)

			// Handle the case where an empty input should result in a nil or empty slice.
			if len(tc.expected) == 0 && len(result) == 0 {
				// This is a pass, so we can return early.
				return
			}

			if !equalSlices(result, tc.expected) {
				t.Errorf("expected %v, but got %v", tc.expected, result)
			}
		})
	}
}

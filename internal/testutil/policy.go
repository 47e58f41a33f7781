package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
)

// WriteFakeOPA writes an executable that stands in for the opa binary: it
// drains stdin, records its arguments to <dir>/args, prints stdout and exits
// with code. Skips the test on Windows.
func WriteFakeOPA(t *testing.T, stdout string, code int) (binary, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake opa is a shell script")
	}
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	outFile := filepath.Join(dir, "stdout")
	if err := os.WriteFile(outFile, []byte(stdout), 0o600); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" +
		"cat > /dev/null\n" +
		"echo \"$@\" > '" + argsFile + "'\n" +
		"cat '" + outFile + "'\n" +
		"echo 'fake opa stderr' >&2\n" +
		"exit " + strconv.Itoa(code) + "\n"
	binary = filepath.Join(dir, "opa")
	if err := os.WriteFile(binary, []byte(script), 0o700); err != nil { //nolint:gosec // test executable
		t.Fatal(err)
	}
	return binary, argsFile
}

// WritePolicyFile writes a Rego module into a temp dir and returns its path.
func WritePolicyFile(t *testing.T, module string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.rego")
	if err := os.WriteFile(path, []byte(module), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteRulesDir writes protected.yaml and patterns.yaml into a temp dir and
// returns the directory.
func WriteRulesDir(t *testing.T, protected, patterns string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{"protected.yaml": protected, "patterns.yaml": patterns} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

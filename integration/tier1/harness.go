//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/kojitagsync/internal/testutil"
)

// kojiShim answers listPackages from listing-<tag>.json files and accepts
// every multiCall. Each invocation is appended to koji.log as
// "<method> <args...>".
const kojiShim = `#!/bin/sh
dir=%q
prev=""
method=""
tag=""
for a in "$@"; do
  [ "$prev" = "--json-output" ] && method="$a"
  case "$a" in tagID=*) tag=$(printf '%%s' "${a#tagID=}" | tr -d '"') ;; esac
  prev="$a"
done
echo "$method $*" >> "$dir/koji.log"
case "$method" in
  listPackages)
    if [ -f "$dir/listing-$tag.json" ]; then cat "$dir/listing-$tag.json"; else echo "[]"; fi ;;
  multiCall)
    echo "[]" ;;
  *)
    echo "unknown method $method" >&2; exit 1 ;;
esac
`

// Harness builds the kojitagsync binary and runs it against a koji shim
type Harness struct {
	t   *testing.T
	dir string
	bin string
}

// NewHarness creates a harness rooted in a fresh temp directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()
	return &Harness{t: t, dir: dir, bin: filepath.Join(dir, "kojitagsync")}
}

// Path returns a path inside the harness directory
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.dir}, elem...)...)
}

// BuildBinary compiles cmd/kojitagsync into the harness directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()
	root, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.bin, "./cmd/kojitagsync")
	cmd.Dir = root
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build: %w: %s", err, out)
	}
	return nil
}

// InstallKojiShim writes the fake koji command and returns its path
func (h *Harness) InstallKojiShim() string {
	h.t.Helper()
	path := h.Path("bin", "koji")
	h.WriteFile(path, fmt.Sprintf(kojiShim, h.dir))
	if err := os.Chmod(path, 0755); err != nil {
		h.t.Fatal(err)
	}
	return path
}

// SetListing makes the shim report packages for tag
func (h *Harness) SetListing(tag, listingJSON string) {
	h.t.Helper()
	h.WriteFile(h.Path("listing-"+tag+".json"), listingJSON)
}

// WriteFile writes content, creating parent directories
func (h *Harness) WriteFile(path, content string) {
	h.t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// Run executes the binary and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		h.t.Fatalf("run %v: %v", args, err)
	}
	return stdout.String(), stderr.String(), code
}

// ReadShimLog parses the shim invocations recorded so far
func (h *Harness) ReadShimLog() []ShimLogEntry {
	h.t.Helper()
	data, err := os.ReadFile(h.Path("koji.log"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		h.t.Fatal(err)
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		entries = append(entries, ShimLogEntry{Method: fields[0], Args: fields[1:]})
	}
	return entries
}

// ClearShimLog forgets earlier invocations
func (h *Harness) ClearShimLog() {
	h.t.Helper()
	if err := os.Remove(h.Path("koji.log")); err != nil && !os.IsNotExist(err) {
		h.t.Fatal(err)
	}
}

// ShimLogEntry is one recorded koji invocation
type ShimLogEntry struct {
	Method string
	Args   []string
}

func (e ShimLogEntry) String() string {
	return fmt.Sprintf("koji %s", strings.Join(e.Args, " "))
}

// Arg returns the raw value of a key=value argument
func (e ShimLogEntry) Arg(key string) (string, bool) {
	for _, a := range e.Args {
		if v, ok := strings.CutPrefix(a, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

// methods lists the recorded methods in order
func methods(entries []ShimLogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Method)
	}
	return out
}

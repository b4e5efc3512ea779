package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// tokenEnv carries the HTTPS token to the credential helper
const tokenEnv = "KOJITAGSYNC_GIT_TOKEN"

// Client checks out the repository holding tag declarations
type Client interface {
	// EnsureCheckout clones or updates destDir to ref and returns the
	// checked out commit.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// ShellClient implements Client with the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellClient creates a git client. At most one of the auth files is
// expected to be set.
func NewShellClient(sshKeyFile, httpsTokenFile string) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// EnsureCheckout clones url into destDir on first use and fetches on
// later calls, then checks out ref.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	_, err := os.Stat(filepath.Join(destDir, ".git"))
	cloned := err == nil

	remote, err := c.remoteOptions(url)
	if err != nil {
		return "", err
	}

	if cloned {
		if _, err := c.git(ctx, remote, "-C", destDir, "fetch", "--tags", "origin"); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		if _, err := c.git(ctx, remote, "clone", "--no-checkout", url, destDir); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	}

	// Local refs, tags and commits resolve directly; branches that only
	// exist on the remote need the origin/ prefix.
	if _, err := c.git(ctx, nil, "-C", destDir, "checkout", "-f", ref); err != nil {
		if _, err := c.git(ctx, nil, "-C", destDir, "checkout", "-f", "origin/"+ref); err != nil {
			return "", fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
		}
	}

	// A local branch lags behind after fetch. Fails harmlessly for tags
	// and commit hashes.
	if cloned {
		_, _ = c.git(ctx, nil, "-C", destDir, "reset", "--hard", "origin/"+ref)
	}

	out, err := c.git(ctx, nil, "-C", destDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// remote holds the extra flags and environment for commands that talk to
// the remote
type remote struct {
	flags []string
	env   []string
}

func (c *ShellClient) remoteOptions(url string) (*remote, error) {
	switch {
	case c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")):
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		return &remote{env: []string{"GIT_SSH_COMMAND=" + sshCmd}}, nil

	case c.httpsTokenFile != "" && strings.HasPrefix(url, "https://"):
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		// The token stays out of argv and is read by the helper from the environment.
		helper := `credential.helper=!f() { echo "username=x-access-token"; echo "password=$` + tokenEnv + `"; }; f`
		return &remote{
			flags: []string{"-c", helper},
			env:   []string{"GIT_TERMINAL_PROMPT=0", tokenEnv + "=" + strings.TrimSpace(string(token))},
		}, nil
	}
	return nil, nil
}

// git runs a git subcommand and returns its stdout. Errors carry stderr.
func (c *ShellClient) git(ctx context.Context, r *remote, args ...string) (string, error) {
	if r != nil {
		args = append(append([]string{}, r.flags...), args...)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	if r != nil && len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

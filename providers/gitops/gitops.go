package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// TokenEnv carries the forge token to the credential helper configured on
// each checkout, so the token never appears in a remote URL or argv.
const TokenEnv = "CARGO_RANK_GIT_ASKPASS_TOKEN"

const credentialHelperScript = "!f() { test \"$1\" = get && echo \"password=$" + TokenEnv + "\"; }; f"

type GitClient struct {
	Command GitCommand
}

func NewGitClient(command *GitCommand) *GitClient {
	if command != nil {
		return &GitClient{Command: *command}
	}
	return &GitClient{Command: &ExecGitCommand{}}
}

type GitCommand interface {
	Run(ctx context.Context, cmd string, args []string, dir string) ([]byte, error)
}

type GitError interface {
	error
	Command() string
}

type GitCommandError struct {
	CommandStr string
	Err        error
}

func (e *GitCommandError) Error() string {
	return fmt.Sprintf("error running command `%s`: %v", e.CommandStr, e.Err)
}

func (e *GitCommandError) Unwrap() error {
	return e.Err
}

func (e *GitCommandError) Command() string {
	return e.CommandStr
}

type GitExitError struct {
	CommandStr string
	Stderr     string
	ExitCode   int
	Err        error
}

func (e *GitExitError) Error() string {
	return fmt.Sprintf("command `%s` failed with exit code %d: %v, stderr: %s", e.CommandStr, e.ExitCode, e.Err, e.Stderr)
}

func (e *GitExitError) Unwrap() error {
	return e.Err
}

func (e *GitExitError) Command() string {
	return e.CommandStr
}

// RepositoryMissing reports whether the remote said the repository does not exist.
func (e *GitExitError) RepositoryMissing() bool {
	stderr := strings.ToLower(e.Stderr)
	return strings.Contains(stderr, "not found") || strings.Contains(stderr, "does not exist")
}

type GitNotFoundError struct {
	CommandStr string
}

func (e *GitNotFoundError) Error() string {
	return fmt.Sprintf("git binary not found for command `%s`. Please ensure Git is installed and available in your PATH.", e.CommandStr)
}

func (e *GitNotFoundError) Command() string {
	return e.CommandStr
}

type ExecGitCommand struct {
	// Env is appended to the inherited environment of every command.
	Env []string
}

func (g *ExecGitCommand) Run(ctx context.Context, cmd string, args []string, dir string) ([]byte, error) {
	command := exec.CommandContext(ctx, cmd, args...)
	command.Dir = dir
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	command.Env = append(command.Env, g.Env...)
	var stdout, stderr strings.Builder
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return nil, &GitNotFoundError{
				CommandStr: command.String(),
			}
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode := exitErr.ExitCode()
			stderrMsg := strings.TrimSpace(stderr.String())

			if stderrMsg == "" {
				stderrMsg = exitErr.Error()
			}

			return nil, &GitExitError{
				CommandStr: command.String(),
				Stderr:     stderrMsg,
				ExitCode:   exitCode,
				Err:        exitErr,
			}
		}
		return nil, &GitCommandError{
			CommandStr: command.String(),
			Err:        err,
		}
	}

	return []byte(stdout.String()), nil
}

// Clone fetches the full history of the remote's default branch, without
// tags, and checks it out.
func (g *GitClient) Clone(ctx context.Context, clonePath string, url string, token string) error {
	if err := os.MkdirAll(clonePath, 0o755); err != nil {
		return err
	}
	commands := []struct {
		cmd  string
		args []string
	}{
		{"git", []string{"init", "--quiet"}},
		{"git", []string{"remote", "add", "origin", url}},
		{"git", []string{"config", "credential.helper", credentialHelperScript}},
		{"git", []string{"config", "submodule.recurse", "false"}},
		{"git", []string{"fetch", "--quiet", "--no-tags", "origin", "HEAD"}},
		{"git", []string{"checkout", "--quiet", "-B", "target", "FETCH_HEAD"}},
	}

	return g.runAll(ctx, clonePath, token, commands)
}

// Update moves an existing checkout to the remote's current HEAD.
func (g *GitClient) Update(ctx context.Context, clonePath string, token string) error {
	commands := []struct {
		cmd  string
		args []string
	}{
		{"git", []string{"fetch", "--quiet", "--no-tags", "--force", "origin", "HEAD"}},
		{"git", []string{"reset", "--quiet", "--hard", "FETCH_HEAD"}},
	}

	return g.runAll(ctx, clonePath, token, commands)
}

func (g *GitClient) runAll(ctx context.Context, dir string, token string, commands []struct {
	cmd  string
	args []string
}) error {
	for _, c := range commands {
		if _, err := g.Command.Run(ctx, c.cmd, c.args, dir); err != nil {
			if token != "" && strings.Contains(err.Error(), token) {
				return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "REDACTED"), err: err}
			}

			return err
		}
	}

	return nil
}

// redactedError hides a token from the message while keeping the cause
// reachable through errors.As.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string {
	return e.msg
}

func (e *redactedError) Unwrap() error {
	return e.err
}

func (g *GitClient) CommitSHA(ctx context.Context, clonePath string) (string, error) {
	out, err := g.Command.Run(ctx, "git", []string{"log", "-1", "--format=%H"}, clonePath)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

func (g *GitClient) GetRemoteOriginURL(ctx context.Context, repoPath string) (string, error) {
	cmd := "git"
	args := []string{"config", "--get", "remote.origin.url"}

	output, err := g.Command.Run(ctx, cmd, args, repoPath)
	if err != nil {
		return "", err
	}

	remoteURL := string(bytes.TrimSpace(output))

	return remoteURL, nil
}

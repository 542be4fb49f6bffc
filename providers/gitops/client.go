package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/models"
	"github.com/geeknoid/cargo-rank/providers"
	"github.com/geeknoid/cargo-rank/retry"
)

type Options struct {
	// ReposDir holds one checkout per repository, as <host>/<owner>/<name>.
	ReposDir string
	// Tokens maps a forge host to the token used to clone from it.
	Tokens map[string]string
	// Command replaces the git CLI, for tests.
	Command GitCommand
}

// Client measures crates from local checkouts of their repositories. Each
// repository is synced at most once per run, however many crates it hosts.
type Client struct {
	rt       *providers.Runtime
	reposDir string
	tokens   map[string]string
	command  GitCommand

	mu     sync.Mutex
	synced map[string]*syncState
}

type syncState struct {
	once sync.Once
	err  error
}

func NewClient(rt *providers.Runtime, opts Options) *Client {
	return &Client{
		rt:       rt,
		reposDir: opts.ReposDir,
		tokens:   opts.Tokens,
		command:  opts.Command,
		synced:   make(map[string]*syncState),
	}
}

func (c *Client) Service() providers.Service {
	return providers.ServiceGitops
}

func (c *Client) FetchCodebase(ctx context.Context, pkg models.PackageIdentity, repo models.Repository) providers.Outcome[providers.CodebaseData] {
	key := cache.Key{Service: string(providers.ServiceGitops), Resource: repo.String() + "#" + pkg.Name()}
	return providers.Fetch(ctx, c.rt, key, c.rt.TTL(providers.ServiceGitops), func(ctx context.Context) (providers.CodebaseData, error) {
		return c.fetch(ctx, pkg, repo)
	})
}

func (c *Client) fetch(ctx context.Context, pkg models.PackageIdentity, repo models.Repository) (providers.CodebaseData, error) {
	path := c.checkoutPath(repo)
	if err := c.sync(ctx, repo, path); err != nil {
		return providers.CodebaseData{}, err
	}

	crateDir, manifest, ok := FindCrate(path, pkg.Name())
	if !ok {
		return providers.CodebaseData{}, retry.NotFound("crate %s not found in %s", pkg.Name(), repo)
	}

	sources, err := ScanSources(crateDir)
	if err != nil {
		return providers.CodebaseData{}, fmt.Errorf("scan sources of %s: %w", pkg.Name(), err)
	}
	workflows := ScanWorkflows(path)

	history, err := ReadHistory(path)
	if err != nil {
		return providers.CodebaseData{}, retry.Transient(fmt.Errorf("read history of %s: %w", repo, err))
	}

	return providers.CodebaseData{
		SourceFiles:  sources.Files,
		CodeLines:    sources.CodeLines,
		TestLines:    sources.TestLines,
		CommentLines: sources.CommentLines,
		UnsafeBlocks: sources.UnsafeBlocks,
		Examples:     CountExamples(crateDir, manifest),
		CIWorkflows:  workflows.Files,
		MiriUsage:    workflows.Miri,
		ClippyUsage:  workflows.Clippy,
		CommitTimes:  history.CommitTimes,
		Contributors: history.Contributors,
	}, nil
}

func (c *Client) checkoutPath(repo models.Repository) string {
	return filepath.Join(c.reposDir, repo.Host, repo.Owner, repo.Name)
}

// sync clones or updates the checkout once per run. Concurrent callers for
// the same repository wait for the first one.
func (c *Client) sync(ctx context.Context, repo models.Repository, path string) error {
	c.mu.Lock()
	state, ok := c.synced[path]
	if !ok {
		state = &syncState{}
		c.synced[path] = state
	}
	c.mu.Unlock()

	state.once.Do(func() {
		state.err = c.rt.Call(ctx, providers.ServiceGitops, "sync "+repo.String(), func(ctx context.Context) error {
			return classify(c.syncOnce(ctx, repo, path))
		})
	})
	if state.err != nil && retry.Classify(state.err) != retry.ClassPermanent {
		// let a later crate of this repository try again
		c.mu.Lock()
		if c.synced[path] == state {
			delete(c.synced, path)
		}
		c.mu.Unlock()
	}
	return state.err
}

func (c *Client) syncOnce(ctx context.Context, repo models.Repository, path string) error {
	git := c.git(repo.Host)
	token := c.tokens[repo.Host]
	url := repo.CloneURL()

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		origin, err := git.GetRemoteOriginURL(ctx, path)
		if err == nil && origin == url {
			if err := git.Update(ctx, path, token); err != nil {
				return err
			}
			c.logHead(ctx, git, repo, path)
			return nil
		}
		log.Warn().Str("repo", repo.String()).Str("origin", origin).Msg("cached checkout does not match its repository, re-cloning")
	}

	if err := os.RemoveAll(path); err != nil {
		return err
	}
	if err := git.Clone(ctx, path, url, token); err != nil {
		_ = os.RemoveAll(path)
		return err
	}
	c.logHead(ctx, git, repo, path)
	return nil
}

func (c *Client) logHead(ctx context.Context, git *GitClient, repo models.Repository, path string) {
	sha, err := git.CommitSHA(ctx, path)
	if err != nil {
		log.Debug().Err(err).Str("repo", repo.String()).Msg("could not read checkout head")
		return
	}
	log.Debug().Str("repo", repo.String()).Str("head", sha).Msg("checkout synced")
}

func (c *Client) git(host string) *GitClient {
	if c.command != nil {
		return &GitClient{Command: c.command}
	}
	var env []string
	if token := c.tokens[host]; token != "" {
		env = append(env, TokenEnv+"="+token)
	}
	return &GitClient{Command: &ExecGitCommand{Env: env}}
}

// classify maps git failures onto the retry taxonomy. Unknown failures are
// treated as network trouble.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var notFound *GitNotFoundError
	if errors.As(err, &notFound) {
		return retry.Unsupported("%v", err)
	}

	var exitErr *GitExitError
	if errors.As(err, &exitErr) && exitErr.RepositoryMissing() {
		return retry.NotFound("%v", err)
	}

	return retry.Transient(err)
}

package gitops

import (
	"errors"
	"sort"
	"strings"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/storer"
)

// History is what one traversal of the commit log yields.
type History struct {
	// CommitTimes holds unix author times, newest first.
	CommitTimes  []int64
	Contributors int64
}

type commitInfo struct {
	when  int64
	email string
}

// ReadHistory walks every commit reachable from HEAD of the checkout at path.
func ReadHistory(path string) (History, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return History{}, err
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return History{}, err
	}
	defer iter.Close()

	var commits []commitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, commitInfo{when: c.Author.When.Unix(), email: c.Author.Email})
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return History{}, err
	}
	return summarize(commits), nil
}

// summarize sorts commit times newest first and counts distinct author
// emails, ignoring case.
func summarize(commits []commitInfo) History {
	h := History{CommitTimes: make([]int64, 0, len(commits))}
	authors := make(map[string]struct{})
	for _, c := range commits {
		h.CommitTimes = append(h.CommitTimes, c.when)
		if email := strings.ToLower(strings.TrimSpace(c.email)); email != "" {
			authors[email] = struct{}{}
		}
	}
	sort.Slice(h.CommitTimes, func(i, j int) bool { return h.CommitTimes[i] > h.CommitTimes[j] })
	h.Contributors = int64(len(authors))
	return h
}

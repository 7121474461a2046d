package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// SourceSync checks out a project's working directory at a given commit.
// Git checkout machinery is an external collaborator (the scheduler only
// needs "the tree at workDir now matches commit"), so the default
// implementation shells out to the git binary the same way the exec
// runtime shells out to task commands, rather than pulling in a VCS client
// library — none appears anywhere in the example pack.
type SourceSync interface {
	Sync(ctx context.Context, workDir, sourceURL, commit string) error
}

// GitSourceSync clones on first use and hard-resets to commit thereafter.
type GitSourceSync struct{}

// NewGitSourceSync constructs the default SourceSync.
func NewGitSourceSync() *GitSourceSync {
	return &GitSourceSync{}
}

func (g *GitSourceSync) Sync(ctx context.Context, workDir, sourceURL, commit string) error {
	if _, err := os.Stat(workDir); os.IsNotExist(err) {
		if err := g.run(ctx, "", "git", "clone", sourceURL, workDir); err != nil {
			return fmt.Errorf("clone %s: %w", sourceURL, err)
		}
	}

	if err := g.run(ctx, workDir, "git", "fetch", "--all"); err != nil {
		return fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	if err := g.run(ctx, workDir, "git", "reset", "--hard", commit); err != nil {
		return fmt.Errorf("reset to %s: %w", commit, err)
	}
	if err := g.run(ctx, workDir, "git", "clean", "-fdx"); err != nil {
		return fmt.Errorf("clean working tree: %w", err)
	}
	return nil
}

func (g *GitSourceSync) run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, out)
	}
	return nil
}

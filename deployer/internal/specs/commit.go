package specs

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
)

// GitRunner runs git with args in the repository and returns stdout.
type GitRunner func(ctx context.Context, args ...string) ([]byte, error)

// ExecGit runs the git binary found on PATH, inside dir when set.
func ExecGit(dir string) GitRunner {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = dir
		out, err := cmd.Output()
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(ee.Stderr)))
			}
			return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
		}
		return out, nil
	}
}

// CommitLocator deploys the resolved specs a single commit added or modified. Repository
// paths look like `<root>/<apiPath>/<apiVersion>/<SpecName>`.
type CommitLocator struct {
	Commit   string
	SpecName string
	RepoDir  string
	Git      GitRunner
}

func (c CommitLocator) Locate(ctx context.Context) ([]models.SpecUnit, error) {
	if c.Commit == "" {
		return nil, fmt.Errorf("commit id required")
	}
	git := c.Git
	if git == nil {
		git = ExecGit(c.RepoDir)
	}
	out, err := git(ctx, "diff-tree", "--no-commit-id", "--name-only", "-r", "--diff-filter=d", c.Commit+"^", c.Commit)
	if err != nil {
		return nil, fmt.Errorf("list files in commit %s: %w", c.Commit, err)
	}

	var units []models.SpecUnit
	for _, line := range strings.Split(string(out), "\n") {
		file := strings.TrimSpace(line)
		if file == "" || path.Base(file) != c.SpecName {
			continue
		}
		parts := strings.Split(file, "/")
		if len(parts) < 4 || parts[1] == "" || parts[2] == "" {
			continue
		}
		local := file
		if c.RepoDir != "" {
			local = path.Join(c.RepoDir, file)
		}
		units = append(units, models.NewSpecUnit(parts[1], parts[2], local))
	}
	return finalize(units)
}

package run

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// ParseDiffNumstat parses `git diff --numstat` output into a DiffStat.
// Each line has the format <added>\t<deleted>\t<path>; binary files use
// "-\t-\t<path>". Returns a DiffStat with no Files for an empty diff.
func ParseDiffNumstat(numstat string) DiffStat {
	numstat = strings.TrimSpace(numstat)
	if numstat == "" {
		return DiffStat{}
	}
	var ds DiffStat
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		f := DiffStatFile{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			f.Binary = true
		} else {
			f.Added, _ = strconv.Atoi(parts[0])
			f.Deleted, _ = strconv.Atoi(parts[1])
		}
		ds.Files = append(ds.Files, f)
	}
	return ds
}

// diffArgsForReview builds the `git diff` argument list for a review
// target: uncommitted changes, a comparison against a base branch, or a
// single commit.
func diffArgsForReview(rv *Review, numstat bool) []string {
	args := []string{"diff"}
	if numstat {
		args = append(args, "--numstat")
	}
	switch {
	case rv.CommitSHA != "":
		args = append(args, rv.CommitSHA+"^", rv.CommitSHA)
	case rv.BaseBranch != "":
		args = append(args, rv.BaseBranch+"...HEAD")
	default: // uncommitted
	}
	return args
}

// ComputeDiffStat runs `git diff --numstat` in dir against the review
// target and parses the result.
func ComputeDiffStat(ctx context.Context, dir string, rv *Review) (DiffStat, error) {
	cmd := exec.CommandContext(ctx, "git", diffArgsForReview(rv, true)...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return DiffStat{}, err
	}
	return ParseDiffNumstat(string(out)), nil
}

// RawDiff runs `git diff` (no --numstat) in dir against the review target,
// for the safety scanner to inspect added lines.
func RawDiff(ctx context.Context, dir string, rv *Review) (string, error) {
	cmd := exec.CommandContext(ctx, "git", diffArgsForReview(rv, false)...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

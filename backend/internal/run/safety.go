package run

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// maxBinarySize is the threshold above which a binary file triggers a
// large_binary safety issue.
const maxBinarySize = 500 * 1024 // 500 KB

type secretPattern struct {
	re   *regexp.Regexp
	desc string
}

// secretPatterns matches common secret material in diff added lines.
// Pattern strings are split so they don't match themselves.
var secretPatterns = []secretPattern{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`gh` + `o_[A-Za-z0-9_]{36}`), "GitHub OAuth token"},
	{regexp.MustCompile(`github` + `_pat_[A-Za-z0-9_]{22,}`), "GitHub fine-grained PAT"},
	{regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`), "API secret key"},
	{regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`), "hardcoded credential"},
}

// CheckSafety scans the review target's diff for large binaries and
// possible secrets, run before a review exec-mode run is reported
// succeeded (spec extension §3).
func CheckSafety(ctx context.Context, dir string, rv *Review, ds DiffStat) ([]SafetyIssue, error) {
	var issues []SafetyIssue

	for _, f := range ds.Files {
		if !f.Binary {
			continue
		}
		size, err := blobSize(ctx, dir, rv, f.Path)
		if err != nil {
			continue // file may have been deleted; skip.
		}
		if size > maxBinarySize {
			issues = append(issues, SafetyIssue{
				Path:   f.Path,
				Kind:   "large_binary",
				Detail: fmt.Sprintf("binary file is %s (limit %s)", humanSize(size), humanSize(maxBinarySize)),
			})
		}
	}

	secretIssues, err := scanDiffForSecrets(ctx, dir, rv)
	if err != nil {
		return issues, err
	}
	issues = append(issues, secretIssues...)
	return issues, nil
}

func blobSize(ctx context.Context, dir string, rv *Review, path string) (int64, error) {
	ref := "HEAD"
	if rv.CommitSHA != "" {
		ref = rv.CommitSHA
	}
	cmd := exec.CommandContext(ctx, "git", "cat-file", "-s", ref+":"+path)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

func scanDiffForSecrets(ctx context.Context, dir string, rv *Review) ([]SafetyIssue, error) {
	diff, err := RawDiff(ctx, dir, rv)
	if err != nil {
		return nil, fmt.Errorf("git diff for secret scan: %w", err)
	}

	var issues []SafetyIssue
	seen := make(map[string]bool)
	var currentFile string

	scanner := bufio.NewScanner(strings.NewReader(diff))
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(added) {
				continue
			}
			key := currentFile + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			slog.Warn("secret pattern matched", "file", currentFile, "pattern", sp.desc)
			issues = append(issues, SafetyIssue{
				Path:   currentFile,
				Kind:   "secret",
				Detail: fmt.Sprintf("possible %s detected", sp.desc),
			})
		}
	}
	return issues, nil
}

func humanSize(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.0f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

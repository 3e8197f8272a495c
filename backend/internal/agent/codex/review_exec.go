package codex

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/rundaemon/rund/backend/internal/agent"
)

// ExecRunner drives the Codex CLI's one-shot `codex exec` review transport:
// a subprocess whose stdout/stderr are streamed back chunk-by-chunk rather
// than over JSON-RPC.
type ExecRunner struct {
	CodexPath string // defaults to "codex"
}

var _ agent.ExecReviewRunner = ExecRunner{}

// RunReview spawns `codex exec --json <prompt>` in opts.Dir and streams its
// stdout/stderr to onStdout/onStderr as they arrive.
func (r ExecRunner) RunReview(ctx context.Context, opts agent.ExecReviewOptions, onStdout, onStderr func(string)) (int, error) {
	path := r.CodexPath
	if path == "" {
		path = "codex"
	}
	args := append([]string{"exec", "--json"}, opts.AdditionalOptions...)
	args = append(args, opts.Prompt)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = opts.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamChunks(&wg, stdout, onStdout)
	go streamChunks(&wg, stderr, onStderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// streamChunks reads r in small increments and forwards each to emit,
// letting the caller's chunkBatcher decide line/threshold batching.
func streamChunks(wg *sync.WaitGroup, r io.Reader, emit func(string)) {
	defer wg.Done()
	buf := make([]byte, 4096)
	br := bufio.NewReader(r)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			emit(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

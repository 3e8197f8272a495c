package run

import "testing"

func TestParseDiffNumstatEmpty(t *testing.T) {
	ds := ParseDiffNumstat("   \n  ")
	if len(ds.Files) != 0 {
		t.Fatalf("got %+v, want no files", ds)
	}
}

func TestParseDiffNumstatBasic(t *testing.T) {
	numstat := "12\t3\tmain.go\n0\t7\told.go\n"
	ds := ParseDiffNumstat(numstat)
	if len(ds.Files) != 2 {
		t.Fatalf("got %d files, want 2: %+v", len(ds.Files), ds.Files)
	}
	if ds.Files[0] != (DiffStatFile{Path: "main.go", Added: 12, Deleted: 3}) {
		t.Errorf("files[0] = %+v", ds.Files[0])
	}
	if ds.Files[1] != (DiffStatFile{Path: "old.go", Added: 0, Deleted: 7}) {
		t.Errorf("files[1] = %+v", ds.Files[1])
	}
}

func TestParseDiffNumstatBinaryFile(t *testing.T) {
	ds := ParseDiffNumstat("-\t-\tassets/logo.png\n")
	if len(ds.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(ds.Files))
	}
	f := ds.Files[0]
	if !f.Binary || f.Path != "assets/logo.png" || f.Added != 0 || f.Deleted != 0 {
		t.Errorf("got %+v", f)
	}
}

func TestParseDiffNumstatMalformedLineSkipped(t *testing.T) {
	ds := ParseDiffNumstat("not a numstat line\n3\t1\tok.go\n")
	if len(ds.Files) != 1 || ds.Files[0].Path != "ok.go" {
		t.Fatalf("got %+v, want only ok.go", ds.Files)
	}
}

func TestDiffArgsForReviewUncommitted(t *testing.T) {
	args := diffArgsForReview(&Review{Uncommitted: true}, true)
	want := []string{"diff", "--numstat"}
	if len(args) != len(want) {
		t.Fatalf("got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestDiffArgsForReviewBaseBranch(t *testing.T) {
	args := diffArgsForReview(&Review{BaseBranch: "main"}, false)
	want := []string{"diff", "main...HEAD"}
	if len(args) != len(want) || args[1] != want[1] {
		t.Fatalf("got %v, want %v", args, want)
	}
}

func TestDiffArgsForReviewCommitSHA(t *testing.T) {
	args := diffArgsForReview(&Review{CommitSHA: "abc123"}, false)
	want := []string{"diff", "abc123^", "abc123"}
	if len(args) != len(want) {
		t.Fatalf("got %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

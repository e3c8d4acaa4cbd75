package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func seedRepository(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("index.html"); err != nil {
		t.Fatalf("add: %v", err)
	}
	hash, err := wt.Commit("initial page\n\nbody", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Ada", Email: "ada@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir, hash.String()
}

func TestCloneLocalRepository(t *testing.T) {
	src, hash := seedRepository(t)
	dest := t.TempDir()

	commit, err := Cloner{}.Clone(context.Background(), src, dest, nil)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if commit.Hash != hash {
		t.Fatalf("expected %s, got %s", hash, commit.Hash)
	}
	if commit.Message != "initial page" || commit.Author != "Ada" {
		t.Fatalf("unexpected commit %+v", commit)
	}
	if len(commit.Short()) != 7 {
		t.Fatalf("unexpected short hash %q", commit.Short())
	}
	if _, err := os.Stat(filepath.Join(dest, "index.html")); err != nil {
		t.Fatalf("expected checked out file: %v", err)
	}
}

func TestCloneRejectsEmptyURL(t *testing.T) {
	if _, err := (Cloner{}).Clone(context.Background(), " ", t.TempDir(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsSSH(t *testing.T) {
	cases := map[string]bool{
		"git@github.com:acme/blog.git":       true,
		"ssh://git@github.com/acme/blog.git": true,
		"https://github.com/acme/blog.git":   false,
		"https://user@github.com/acme/b.git": false,
		"/tmp/checkout":                      false,
		"file:///tmp/checkout":               false,
	}
	for url, want := range cases {
		if got := isSSH(url); got != want {
			t.Fatalf("isSSH(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestAuthRequiresReadableKey(t *testing.T) {
	c := Cloner{SSHKeyPath: filepath.Join(t.TempDir(), "missing")}
	if _, err := c.auth("git@github.com:acme/blog.git"); err == nil {
		t.Fatalf("expected error for missing key")
	}
	auth, err := Cloner{Token: "secret"}.auth("https://github.com/acme/blog.git")
	if err != nil || auth == nil {
		t.Fatalf("expected basic auth, got %v %v", auth, err)
	}
	if auth, _ := (Cloner{}).auth("git@github.com:acme/blog.git"); auth != nil {
		t.Fatalf("expected default ssh agent auth, got %v", auth)
	}
}

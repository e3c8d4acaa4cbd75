package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
)

// ErrEmptyRepository indicates the remote has no commits to build.
var ErrEmptyRepository = errors.New("git: repository is empty")

// Commit identifies the revision that was checked out.
type Commit struct {
	Hash    string
	Message string
	Author  string
}

// Short returns the abbreviated hash.
func (c Commit) Short() string {
	if len(c.Hash) > 7 {
		return c.Hash[:7]
	}
	return c.Hash
}

// Cloner checks out repositories without a git binary.
type Cloner struct {
	// Depth limits history; zero fetches everything.
	Depth int
	// Token authenticates HTTPS remotes when set.
	Token string
	// SSHKeyPath is a PEM private key used for ssh:// and scp-style remotes.
	SSHKeyPath string
	// KnownHostsPath overrides the known_hosts files go-git consults.
	KnownHostsPath string
	// InsecureHostKey skips host key verification. Development only.
	InsecureHostKey bool
}

// Clone checks out the default branch of repoURL into dest. Transfer
// progress is written to progress when it is non-nil.
func (c Cloner) Clone(ctx context.Context, repoURL, dest string, progress io.Writer) (Commit, error) {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return Commit{}, fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return Commit{}, fmt.Errorf("destination cannot be empty")
	}
	opts := &gogit.CloneOptions{
		URL:          repoURL,
		Depth:        c.Depth,
		SingleBranch: true,
		Tags:         gogit.NoTags,
		Progress:     progress,
	}
	auth, err := c.auth(repoURL)
	if err != nil {
		return Commit{}, err
	}
	opts.Auth = auth
	repo, err := gogit.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrEmptyRemoteRepository):
			return Commit{}, ErrEmptyRepository
		case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
			return Commit{}, fmt.Errorf("git clone %s: repository is private or credentials were rejected", repoURL)
		case errors.Is(err, transport.ErrRepositoryNotFound):
			return Commit{}, fmt.Errorf("git clone %s: repository not found", repoURL)
		}
		return Commit{}, fmt.Errorf("git clone %s: %w", repoURL, err)
	}
	head, err := repo.Head()
	if err != nil {
		return Commit{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Commit{}, fmt.Errorf("load HEAD commit: %w", err)
	}
	subject, _, _ := strings.Cut(strings.TrimSpace(commit.Message), "\n")
	return Commit{
		Hash:    commit.Hash.String(),
		Message: subject,
		Author:  commit.Author.Name,
	}, nil
}

func (c Cloner) auth(repoURL string) (transport.AuthMethod, error) {
	if isSSH(repoURL) {
		if c.SSHKeyPath == "" {
			return nil, nil
		}
		keys, err := gitssh.NewPublicKeysFromFile("git", c.SSHKeyPath, "")
		if err != nil {
			return nil, fmt.Errorf("load ssh key: %w", err)
		}
		switch {
		case c.InsecureHostKey:
			keys.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		case c.KnownHostsPath != "":
			callback, err := gitssh.NewKnownHostsCallback(c.KnownHostsPath)
			if err != nil {
				return nil, fmt.Errorf("load known hosts: %w", err)
			}
			keys.HostKeyCallback = callback
		}
		return keys, nil
	}
	if c.Token != "" && (strings.HasPrefix(repoURL, "https://") || strings.HasPrefix(repoURL, "http://")) {
		return &githttp.BasicAuth{Username: "x-access-token", Password: c.Token}, nil
	}
	return nil, nil
}

// isSSH matches ssh:// URLs and scp-like addresses such as git@host:org/repo.git.
func isSSH(repoURL string) bool {
	if strings.HasPrefix(repoURL, "ssh://") {
		return true
	}
	if strings.Contains(repoURL, "://") {
		return false
	}
	at := strings.Index(repoURL, "@")
	colon := strings.Index(repoURL, ":")
	return at > 0 && colon > at
}

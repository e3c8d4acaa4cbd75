package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"unicode"
)

// ErrUnterminatedQuote is returned for commands with an open quote or a
// trailing escape.
var ErrUnterminatedQuote = errors.New("worker: unterminated quote in command")

// HostRunner executes project commands directly on the builder host.
// Commands are split into argv without a shell.
type HostRunner struct {
	Env []string
}

// Available reports whether the command's executable is on PATH.
func (h HostRunner) Available(command string) bool {
	argv, err := splitCommand(command)
	if err != nil || len(argv) == 0 {
		return false
	}
	_, err = exec.LookPath(argv[0])
	return err == nil
}

// Run executes command in dir and hands every output line to onLine.
func (h HostRunner) Run(ctx context.Context, dir, command string, onLine func(string)) error {
	argv, err := splitCommand(command)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return nil
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("%s: executable not found on builder host", argv[0])
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), h.Env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	runErr := cmd.Run()
	_ = pw.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runErr != nil {
		return fmt.Errorf("%s: %w", command, runErr)
	}
	return nil
}

func splitCommand(command string) ([]string, error) {
	var (
		args    []string
		word    strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range strings.TrimSpace(command) {
		if escaped {
			word.WriteRune(r)
			escaped = false
			continue
		}
		switch {
		case r == '\\' && quote != '\'':
			escaped, inWord = true, true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				word.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote, inWord = r, true
		case unicode.IsSpace(r):
			if inWord {
				args = append(args, word.String())
				word.Reset()
				inWord = false
			}
		default:
			word.WriteRune(r)
			inWord = true
		}
	}
	if escaped || quote != 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnterminatedQuote, command)
	}
	if inWord {
		args = append(args, word.String())
	}
	return args, nil
}

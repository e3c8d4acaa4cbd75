package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	apiclient "github.com/dumcel/deployer/pkg/api/client"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultMaxEmpty     = 5
	defaultPageSize     = 200
)

type logFetcher interface {
	FetchLogs(ctx context.Context, token, deploymentID string, after time.Time, limit int) ([]apiclient.LogEvent, error)
}

type followOutcome int

const (
	outcomeCompleted followOutcome = iota
	outcomeFailed
	outcomeIdle
	outcomeFetchError
	outcomeCancelled
)

// follower polls a deployment's log with a timestamp cursor until a terminal
// event appears, the log stays empty for maxEmpty polls, or a fetch fails.
type follower struct {
	fetch        logFetcher
	token        string
	deploymentID string
	interval     time.Duration
	maxEmpty     int
	out          io.Writer
	color        bool
	sleep        func(context.Context, time.Duration) error
}

func (f *follower) run(ctx context.Context) followOutcome {
	var (
		cursor time.Time
		empty  int
	)
	for {
		events, err := f.fetch.FetchLogs(ctx, f.token, f.deploymentID, cursor, defaultPageSize)
		if err != nil {
			if ctx.Err() != nil {
				return outcomeCancelled
			}
			fmt.Fprintln(f.out, f.paint("error", "Error fetching logs."))
			return outcomeFetchError
		}

		if len(events) == 0 {
			empty++
			if empty >= f.maxEmpty {
				return outcomeIdle
			}
		} else {
			empty = 0
			for _, e := range events {
				f.print(e)
			}
			cursor = events[len(events)-1].Timestamp
			for _, e := range events {
				if e.Final && e.Type == "error" {
					return outcomeFailed
				}
				if e.MarksCompletion() {
					return outcomeCompleted
				}
			}
		}

		if err := f.sleep(ctx, f.interval); err != nil {
			return outcomeCancelled
		}
	}
}

func (f *follower) print(e apiclient.LogEvent) {
	step := ""
	if e.Step != "" {
		step = "[" + e.Step + "] "
	}
	line := fmt.Sprintf("%s %-7s %s%s", e.Timestamp.Local().Format("15:04:05"), e.Type, step, e.Log)
	fmt.Fprintln(f.out, f.paint(e.Type, line))
	if e.Meta != "" && e.Type == "error" {
		for _, m := range strings.Split(e.Meta, "\n") {
			fmt.Fprintln(f.out, f.paint("meta", "    "+m))
		}
	}
}

var ansi = map[string]string{
	"error":   "\x1b[31m",
	"warn":    "\x1b[33m",
	"success": "\x1b[32m",
	"meta":    "\x1b[90m",
}

func (f *follower) paint(kind, s string) string {
	code, ok := ansi[kind]
	if !f.color || !ok {
		return s
	}
	return code + s + "\x1b[0m"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

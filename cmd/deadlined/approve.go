package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/deadlined/internal/pipeline"
)

// promptApprover asks on the terminal before spending money on the model.
type promptApprover struct {
	in  io.Reader
	out io.Writer
}

func (p promptApprover) Approve(ctx context.Context, q pipeline.Quote) (bool, error) {
	fmt.Fprintf(p.out, "%s %d messages with %s, estimated $%.4f of $%.2f budget. Continue? [y/N] ",
		warningStyle.Render("model"), q.Messages, q.Model, q.Estimate, q.Budget)

	answer := make(chan string, 1)
	errc := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.in).ReadString('\n')
		if err != nil && err != io.EOF {
			errc <- err
			return
		}
		answer <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case err := <-errc:
		return false, fmt.Errorf("failed to read answer: %w", err)
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

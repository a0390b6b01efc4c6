// Package review asks a human to settle selector disagreements between
// two model proposals.
package review

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zen-systems/selfheal/pkg/consensus"
)

// ErrDeclined is returned when the reviewer refuses to pick.
var ErrDeclined = errors.New("review declined")

// Request is one disagreement awaiting resolution.
type Request struct {
	RunID     string
	URL       string
	Fields    []string
	Proposals [2]consensus.Proposal
	Merged    consensus.Selectors
}

// Reviewer resolves disagreements. Implementations must return promptly
// when ctx is done.
type Reviewer interface {
	Review(ctx context.Context, req Request) (consensus.Selectors, error)
}

// Choice selects which proposal a Static reviewer prefers.
type Choice string

const (
	ChoiceNone   Choice = "none"
	ChoiceFirst  Choice = "first"
	ChoiceSecond Choice = "second"
)

// ParseChoice parses an --auto-review value.
func ParseChoice(s string) (Choice, error) {
	switch Choice(strings.ToLower(strings.TrimSpace(s))) {
	case ChoiceNone, "":
		return ChoiceNone, nil
	case ChoiceFirst:
		return ChoiceFirst, nil
	case ChoiceSecond:
		return ChoiceSecond, nil
	}
	return "", fmt.Errorf("unknown review choice %q (want none, first or second)", s)
}

// Static answers every request the same way without asking anyone.
type Static struct {
	Choice Choice
}

func (s Static) Review(ctx context.Context, req Request) (consensus.Selectors, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pick consensus.Proposal
	switch s.Choice {
	case ChoiceFirst:
		pick = req.Proposals[0]
	case ChoiceSecond:
		pick = req.Proposals[1]
	default:
		return nil, ErrDeclined
	}
	out := consensus.Selectors{}
	for _, field := range req.Fields {
		if sel := pick.Selectors[field]; sel != "" {
			out[field] = sel
		}
	}
	return out, nil
}

// Terminal prompts on Out and reads answers from In. Only one review runs
// at a time.
type Terminal struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

// NewTerminal creates a terminal reviewer.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{In: in, Out: out}
}

// Review asks for each disputed field: 1 or 2 picks a proposal, s skips
// the field, anything else is taken as a hand-written selector.
func (t *Terminal) Review(ctx context.Context, req Request) (consensus.Selectors, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reader == nil {
		t.reader = bufio.NewReader(t.In)
	}

	a, b := req.Proposals[0], req.Proposals[1]
	fmt.Fprintf(t.Out, "\nSelector review for %s\n", req.URL)
	fmt.Fprintf(t.Out, "The two proposals disagree on: %s\n", strings.Join(req.Fields, ", "))

	out := consensus.Selectors{}
	for _, field := range req.Fields {
		fmt.Fprintf(t.Out, "\n%s\n  [1] %s: %s\n  [2] %s: %s\n", field, a.Source, a.Selectors[field], b.Source, b.Selectors[field])
		fmt.Fprint(t.Out, "choice (1/2/s or selector): ")

		line, err := t.readLine(ctx)
		if err != nil {
			return nil, err
		}
		switch line {
		case "1":
			out[field] = a.Selectors[field]
		case "2":
			out[field] = b.Selectors[field]
		case "s", "":
		case "q":
			return nil, ErrDeclined
		default:
			out[field] = line
		}
	}
	return out, nil
}

// readLine returns when a line arrives or ctx is done. A read abandoned by
// cancellation completes in the background and its line is discarded.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.reader.ReadString('\n')
		ch <- result{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil && !(errors.Is(res.err, io.EOF) && res.line != "") {
			if errors.Is(res.err, io.EOF) {
				return "", ErrDeclined
			}
			return "", fmt.Errorf("read review answer: %w", res.err)
		}
		return res.line, nil
	}
}

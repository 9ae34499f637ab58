package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rhuss/uiaa/pkg/catalog"
	"github.com/rhuss/uiaa/pkg/stages"
	"golang.org/x/term"
)

// errNoTerminal is returned when a secret is needed but nobody can be asked.
var errNoTerminal = errors.New("not configured and no terminal to prompt on")

// prompter asks the user for input on the terminal.
type prompter struct {
	in          *bufio.Reader
	out         io.Writer
	fd          int // terminal file descriptor for hidden input, -1 when none
	interactive bool
}

func newPrompter(in io.Reader, out io.Writer, fd int, interactive bool) *prompter {
	return &prompter{
		in:          bufio.NewReader(in),
		out:         out,
		fd:          fd,
		interactive: interactive,
	}
}

// line reads one line of visible input.
func (p *prompter) line(ctx context.Context, label string) (string, error) {
	if !p.interactive {
		return "", fmt.Errorf("%s: %w", strings.ToLower(label), errNoTerminal)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, label)
	s, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || s == "") {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(strings.TrimRight(label, ": ")), err)
	}
	return strings.TrimSpace(s), nil
}

// hidden reads one line without echo when a terminal is attached.
func (p *prompter) hidden(ctx context.Context, label string) (string, error) {
	if p.fd < 0 {
		return p.line(ctx, label)
	}
	if !p.interactive {
		return "", fmt.Errorf("%s: %w", strings.ToLower(label), errNoTerminal)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return string(b), nil
}

// confirm asks a yes/no question. Anything but y or yes declines.
func (p *prompter) confirm(ctx context.Context, question string) (bool, error) {
	answer, err := p.line(ctx, question+" [y/N]: ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// secret returns a stages.Secret that prompts for label. After the
// homeserver rejects a value the user is told why and asked again.
func (p *prompter) secret(label string) stages.Secret {
	return func(ctx context.Context, req *stages.Request) (string, error) {
		if req.LastError != nil {
			fmt.Fprintf(p.out, "%s rejected: %s\n", label, req.LastError.Message)
		}
		v, err := p.hidden(ctx, label+": ")
		if err != nil {
			return "", err
		}
		if v == "" {
			return "", fmt.Errorf("empty %s", strings.ToLower(label))
		}
		return v, nil
	}
}

// newPassword asks for a new password twice.
func (p *prompter) newPassword(ctx context.Context) (string, error) {
	first, err := p.hidden(ctx, "New password: ")
	if err != nil {
		return "", err
	}
	second, err := p.hidden(ctx, "Confirm new password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords don't match")
	}
	if first == "" {
		return "", errors.New("password must not be empty")
	}
	return first, nil
}

// acceptTerms lists the offered policies and asks for agreement.
func (p *prompter) acceptTerms(ctx context.Context, params catalog.TermsParams) error {
	for id, policy := range params.Policies {
		name, url := id, ""
		if tr, ok := policy.Translations["en"]; ok {
			name, url = tr.Name, tr.URL
		}
		fmt.Fprintf(p.out, "Policy %s (version %s): %s\n", name, policy.Version, url)
	}
	ok, err := p.confirm(ctx, "Do you accept these terms?")
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("declined by user")
	}
	return nil
}

// openFallback shows the fallback page and waits for the user to finish it.
func (p *prompter) openFallback(ctx context.Context, pageURL string) error {
	if !p.interactive {
		return fmt.Errorf("fallback page %s: %w", pageURL, errNoTerminal)
	}
	fmt.Fprintf(p.out, "Open this page in a browser and complete it:\n\n  %s\n\n", pageURL)
	_, err := p.line(ctx, "Press Enter when done: ")
	return err
}

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/terrpan/suiterun/internal/suite"
)

// ParseError reports a malformed input file.  Line is 1-based; zero means
// the problem concerns the file as a whole.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
	} else {
		b.WriteString("input")
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

// EmailSettings are the SMTP parameters read from the email settings file.
type EmailSettings struct {
	SMTPServer string
	SMTPPort   int
	Sender     string
	Password   string
}

var emailSettingKeys = []string{"smtp_server", "smtp_port", "sender", "password"}

// line is a significant (non-blank, non-comment) input line.
type line struct {
	n    int
	text string
}

func significantLines(r io.Reader) ([]line, error) {
	var out []line
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		out = append(out, line{n: n, text: text})
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Line: n + 1, Msg: err.Error()}
	}
	return out, nil
}

// ParseSuites reads tab-separated "name<TAB>command" lines.  Blank lines
// and lines starting with '#' are ignored.  Names must be unique and at
// least one suite is required.
func ParseSuites(r io.Reader) ([]suite.Spec, error) {
	lines, err := significantLines(r)
	if err != nil {
		return nil, err
	}

	var specs []suite.Spec
	seen := make(map[string]bool)
	for _, l := range lines {
		fields := strings.Split(l.text, "\t")
		if len(fields) != 2 {
			return nil, &ParseError{Line: l.n, Msg: "each line must contain exactly two fields separated by a tab"}
		}
		name, cmd := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		if name == "" || cmd == "" {
			return nil, &ParseError{Line: l.n, Msg: "suite name and command must not be empty"}
		}
		if seen[name] {
			return nil, &ParseError{Line: l.n, Msg: fmt.Sprintf("suite name %q has already been used; names must be unique", name)}
		}
		seen[name] = true
		specs = append(specs, suite.Spec{Name: name, Command: cmd})
	}

	if len(specs) == 0 {
		return nil, &ParseError{Msg: "at least one test suite is required"}
	}
	return specs, nil
}

// ParseRecipients reads one email address per line.
func ParseRecipients(r io.Reader) ([]string, error) {
	lines, err := significantLines(r)
	if err != nil {
		return nil, err
	}

	recipients := make([]string, 0, len(lines))
	for _, l := range lines {
		if !strings.Contains(l.text, "@") {
			return nil, &ParseError{Line: l.n, Msg: fmt.Sprintf("%q does not look like an email address", l.text)}
		}
		recipients = append(recipients, l.text)
	}

	if len(recipients) == 0 {
		return nil, &ParseError{Msg: "there are no email addresses to send the results to"}
	}
	return recipients, nil
}

// ParseEmailSettings reads tab-separated "key<TAB>value" lines.  Exactly
// the keys smtp_server, smtp_port, sender and password are accepted and
// all are required.
func ParseEmailSettings(r io.Reader) (EmailSettings, error) {
	var s EmailSettings

	lines, err := significantLines(r)
	if err != nil {
		return s, err
	}

	values := make(map[string]string, len(emailSettingKeys))
	for _, l := range lines {
		key, val, ok := strings.Cut(l.text, "\t")
		if !ok || strings.Contains(val, "\t") {
			return s, &ParseError{Line: l.n, Msg: "each line must contain exactly two fields separated by a tab"}
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !slices.Contains(emailSettingKeys, key) {
			return s, &ParseError{Line: l.n, Msg: fmt.Sprintf("unrecognized setting %q (valid settings: %s)", key, strings.Join(emailSettingKeys, ", "))}
		}
		if _, dup := values[key]; dup {
			return s, &ParseError{Line: l.n, Msg: fmt.Sprintf("setting %q has already been given", key)}
		}
		if key == "smtp_port" {
			port, err := strconv.Atoi(val)
			if err != nil || port <= 0 || port > 65535 {
				return s, &ParseError{Line: l.n, Msg: fmt.Sprintf("smtp_port %q must be a positive integer port number", val)}
			}
			s.SMTPPort = port
		}
		values[key] = val
	}

	var missing []string
	for _, k := range emailSettingKeys {
		if _, ok := values[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return s, &ParseError{Msg: "missing required settings: " + strings.Join(missing, ", ")}
	}

	s.SMTPServer = values["smtp_server"]
	s.Sender = values["sender"]
	s.Password = values["password"]
	return s, nil
}

// parseFile opens path and runs parse over it, stamping any ParseError
// with the file name.
func parseFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T

	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	v, err := parse(f)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.File = path
		}
		return zero, err
	}
	return v, nil
}

// Inputs are the parsed contents of the three run input files.
type Inputs struct {
	Suites     []suite.Spec
	Recipients []string
	Email      EmailSettings
}

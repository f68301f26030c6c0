package config

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/suiterun/internal/suite"
)

func stringsReader(s string) io.Reader { return strings.NewReader(s) }

func requireParseError(t *testing.T, err error, line int, msg string) {
	t.Helper()
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, line, pe.Line)
	assert.Contains(t, pe.Msg, msg)
}

// ---------------------------------------------------------------------------
// Suites
// ---------------------------------------------------------------------------

func TestParseSuites(t *testing.T) {
	specs, err := ParseSuites(stringsReader("# comment\n\nunit\tmake unit\n  e2e\t./run e2e --fast  \n"))
	require.NoError(t, err)
	assert.Equal(t, []suite.Spec{
		{Name: "unit", Command: "make unit"},
		{Name: "e2e", Command: "./run e2e --fast"},
	}, specs)
}

func TestParseSuites_OrderIsStable(t *testing.T) {
	const input = "# nightly\nunit\tmake unit\n\nlint\tmake lint\n# slow ones last\ne2e\t./run e2e\ndocs\tmake docs\n"
	want := []suite.Spec{
		{Name: "unit", Command: "make unit"},
		{Name: "lint", Command: "make lint"},
		{Name: "e2e", Command: "./run e2e"},
		{Name: "docs", Command: "make docs"},
	}

	first, err := ParseSuites(stringsReader(input))
	require.NoError(t, err)
	second, err := ParseSuites(stringsReader(input))
	require.NoError(t, err)

	assert.Equal(t, want, first, "file order, not name order")
	assert.Equal(t, first, second)
}

func TestParseSuites_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		line  int
		msg   string
	}{
		{"one field", "unit make unit\n", 1, "exactly two fields"},
		{"three fields", "unit\tmake\tunit\n", 1, "exactly two fields"},
		{"leading tab", "\tmake unit\n", 1, "exactly two fields"},
		{"duplicate", "unit\tmake unit\ne2e\tmake e2e\nunit\tmake other\n", 3, "already been used"},
		{"no suites", "# nothing here\n\n", 0, "at least one"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSuites(stringsReader(tc.input))
			requireParseError(t, err, tc.line, tc.msg)
		})
	}
}

// ---------------------------------------------------------------------------
// Recipients
// ---------------------------------------------------------------------------

func TestParseRecipients(t *testing.T) {
	got, err := ParseRecipients(stringsReader("dev@example.com\n# qa@example.com\n  ops@example.com \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"dev@example.com", "ops@example.com"}, got)
}

func TestParseRecipients_Errors(t *testing.T) {
	_, err := ParseRecipients(stringsReader("dev@example.com\nnobody\n"))
	requireParseError(t, err, 2, "does not look like an email address")

	_, err = ParseRecipients(stringsReader("\n\n"))
	requireParseError(t, err, 0, "no email addresses")
}

// ---------------------------------------------------------------------------
// Email settings
// ---------------------------------------------------------------------------

func TestParseEmailSettings(t *testing.T) {
	got, err := ParseEmailSettings(stringsReader(
		"smtp_server\tsmtp.example.com\nsmtp_port\t587\n# creds\nsender\tci@example.com\npassword\tp@ss word\n"))
	require.NoError(t, err)
	assert.Equal(t, EmailSettings{
		SMTPServer: "smtp.example.com",
		SMTPPort:   587,
		Sender:     "ci@example.com",
		Password:   "p@ss word",
	}, got)
}

func TestParseEmailSettings_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
		line  int
		msg   string
	}{
		{"unknown key", "smtp_host\tsmtp.example.com\n", 1, "unrecognized setting"},
		{"no tab", "smtp_server smtp.example.com\n", 1, "exactly two fields"},
		{"extra field", "sender\tci@example.com\textra\n", 1, "exactly two fields"},
		{"bad port", "smtp_port\tsmtp\n", 1, "smtp_port"},
		{"port out of range", "smtp_port\t70000\n", 1, "smtp_port"},
		{"missing keys", "smtp_server\tsmtp.example.com\nsmtp_port\t587\n", 0, "sender, password"},
		{"duplicate key", "sender\tci@example.com\nsmtp_server\tsmtp.example.com\nsender\tother@example.com\n", 3, "already been given"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEmailSettings(stringsReader(tc.input))
			requireParseError(t, err, tc.line, tc.msg)
		})
	}
}

func TestParseError_Format(t *testing.T) {
	assert.Equal(t, "suites.tsv:3: bad", (&ParseError{File: "suites.tsv", Line: 3, Msg: "bad"}).Error())
	assert.Equal(t, "recipients.txt: empty", (&ParseError{File: "recipients.txt", Msg: "empty"}).Error())
	assert.Equal(t, "input: bad", (&ParseError{Msg: "bad"}).Error())
}

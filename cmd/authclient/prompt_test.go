package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrompter_LineUsesFallback(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("\nalice\n"), &out)

	got, err := p.line("Username or email", "demo")
	require.NoError(t, err)
	require.Equal(t, "demo", got)
	require.Contains(t, out.String(), "Username or email [demo]: ")

	got, err = p.line("Username or email", "demo")
	require.NoError(t, err)
	require.Equal(t, "alice", got)
}

func TestPrompter_SecretFromPipe(t *testing.T) {
	p := newPrompter(strings.NewReader("demo123"), io.Discard)

	got, err := p.secret("Password")
	require.NoError(t, err)
	require.Equal(t, "demo123", got)

	_, err = p.secret("Password")
	require.ErrorIs(t, err, io.EOF)
}

package browser

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAuthURL = "https://merchant.example.com/oauth/authorize?client_id=c&state=s"

func newTestNotifier(noBrowser bool) (*Notifier, *bytes.Buffer, *[]string, *[]string) {
	var out bytes.Buffer
	var opened, copied []string
	n := &Notifier{
		NoBrowser:       noBrowser,
		CopyToClipboard: true,
		out:             &out,
		open: func(u string) error {
			opened = append(opened, u)
			return nil
		},
		available: func() bool { return true },
		copy: func(u string) error {
			copied = append(copied, u)
			return nil
		},
	}
	return n, &out, &opened, &copied
}

func TestNotifierOpensBrowser(t *testing.T) {
	t.Setenv("SSH_CONNECTION", "")
	t.Setenv("SSH_CLIENT", "")
	n, out, opened, copied := newTestNotifier(false)

	require.NoError(t, n.NotifyAuthorizationURL(testAuthURL, 8085))
	assert.Equal(t, []string{testAuthURL}, *opened)
	assert.Empty(t, *copied)
	assert.Contains(t, out.String(), "Opening browser")
}

func TestNotifierNoBrowserPrintsInstructions(t *testing.T) {
	t.Setenv("SSH_CONNECTION", "")
	t.Setenv("SSH_CLIENT", "")
	n, out, opened, copied := newTestNotifier(true)

	require.NoError(t, n.NotifyAuthorizationURL(testAuthURL, 8085))
	assert.Empty(t, *opened)
	assert.Equal(t, []string{testAuthURL}, *copied)
	assert.Contains(t, out.String(), testAuthURL)
	assert.Contains(t, out.String(), "copied to clipboard")
	assert.NotContains(t, out.String(), "ssh -L")
}

func TestNotifierReportsOpenFailure(t *testing.T) {
	n, _, _, _ := newTestNotifier(false)
	n.open = func(string) error { return errors.New("exec failed") }
	assert.EqualError(t, n.NotifyAuthorizationURL(testAuthURL, 8085), "exec failed")

	n.available = func() bool { return false }
	assert.ErrorIs(t, n.NotifyAuthorizationURL(testAuthURL, 8085), ErrNoBrowser)
}

func TestManualInstructionsOverSSH(t *testing.T) {
	t.Setenv("SSH_CONNECTION", "10.0.0.5 50000 10.0.0.9 22")
	t.Setenv("USER", "ops")
	n, out, _, _ := newTestNotifier(true)
	n.copy = func(string) error { return errors.New("no display") }

	n.ShowManualInstructions(testAuthURL, 8085)
	assert.Contains(t, out.String(), "ssh -L 8085:localhost:8085 ops@10.0.0.9")
	assert.NotContains(t, out.String(), "copied to clipboard")
}

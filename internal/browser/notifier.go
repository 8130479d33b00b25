package browser

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/merchantkit/merchantauth/internal/util"
	log "github.com/sirupsen/logrus"
)

// ErrNoBrowser is returned by NotifyAuthorizationURL when no browser can be launched.
var ErrNoBrowser = errors.New("no browser available")

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	urlStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	hintStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#6B7280"))
)

// Notifier shows the merchant authorization URL on a terminal. It opens the browser
// unless NoBrowser is set, and can copy the URL to the clipboard.
type Notifier struct {
	// NoBrowser skips launching a browser; the URL is printed instead.
	NoBrowser bool
	// CopyToClipboard copies the URL to the system clipboard when printing it.
	CopyToClipboard bool

	out       io.Writer
	mu        sync.Mutex
	open      func(string) error
	available func() bool
	copy      func(string) error
}

// NewNotifier returns a Notifier writing to stdout.
func NewNotifier(noBrowser bool) *Notifier {
	return &Notifier{
		NoBrowser:       noBrowser,
		CopyToClipboard: true,
		out:             os.Stdout,
		open:            OpenURL,
		available:       IsAvailable,
		copy:            clipboard.WriteAll,
	}
}

// SetOutput redirects the notifier's output.
func (n *Notifier) SetOutput(w io.Writer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = w
}

// NotifyAuthorizationURL opens authURL in the browser. With NoBrowser set it prints
// the manual instructions and returns nil.
func (n *Notifier) NotifyAuthorizationURL(authURL string, callbackPort int) error {
	if n.NoBrowser {
		n.ShowManualInstructions(authURL, callbackPort)
		return nil
	}
	if n.available != nil && !n.available() {
		return ErrNoBrowser
	}
	n.printf("%s\n", headingStyle.Render("Opening browser for merchant authorization"))
	if err := n.open(authURL); err != nil {
		return err
	}
	n.printf("%s\n", hintStyle.Render("If the browser did not open, run login again with --no-browser."))
	return nil
}

// ShowManualInstructions prints authURL, the SSH tunnel hint when running remotely,
// and copies the URL to the clipboard when enabled.
func (n *Notifier) ShowManualInstructions(authURL string, callbackPort int) {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Visit the following URL to authorize the merchant app:"))
	b.WriteString("\n")
	b.WriteString(urlStyle.Render(authURL))
	b.WriteString("\n")
	if hint := util.SSHTunnelInstructions(callbackPort); hint != "" {
		b.WriteString(hintStyle.Render(hint))
		b.WriteString("\n")
	}
	if n.CopyToClipboard && n.copy != nil {
		if err := n.copy(authURL); err != nil {
			log.Debugf("clipboard unavailable: %v", err)
		} else {
			b.WriteString(hintStyle.Render("(copied to clipboard)"))
			b.WriteString("\n")
		}
	}
	n.printf("%s", b.String())
}

func (n *Notifier) printf(format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.out == nil {
		return
	}
	_, _ = fmt.Fprintf(n.out, format, args...)
}

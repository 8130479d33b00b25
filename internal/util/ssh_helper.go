package util

import (
	"fmt"
	"os"
	"strings"
)

// SSHTunnelInstructions returns a hint for completing a login on a remote machine,
// or an empty string when the process does not appear to run over SSH.
func SSHTunnelInstructions(port int) string {
	if strings.TrimSpace(os.Getenv("SSH_CONNECTION")) == "" && strings.TrimSpace(os.Getenv("SSH_CLIENT")) == "" {
		return ""
	}
	host := "<remote-host>"
	if fields := strings.Fields(os.Getenv("SSH_CONNECTION")); len(fields) >= 3 {
		host = fields[2]
	}
	user := strings.TrimSpace(os.Getenv("USER"))
	if user == "" {
		user = "<user>"
	}
	return fmt.Sprintf("To complete the login from your local browser, open a tunnel first:\n  ssh -L %d:localhost:%d %s@%s", port, port, user, host)
}

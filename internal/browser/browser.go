// Package browser opens the merchant authorization page in the default web browser
// and prints the fallback instructions when that is not possible.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

// linuxBrowsers lists the commands tried on Linux, in order of preference.
var linuxBrowsers = []string{"xdg-open", "x-www-browser", "www-browser", "firefox", "chromium", "google-chrome"}

// OpenURL opens the specified URL in the default web browser.
// It first attempts to use a platform-agnostic library and falls back to
// platform-specific commands if that fails.
//
// Parameters:
//   - url: The URL to open.
//
// Returns:
//   - An error if the URL cannot be opened, otherwise nil.
func OpenURL(url string) error {
	log.Debug("Attempting to open authorization URL in browser")

	err := open.Run(url)
	if err == nil {
		log.Debug("Successfully opened URL using open-golang library")
		return nil
	}

	log.Debugf("open-golang failed: %v, trying platform-specific commands", err)
	return openURLPlatformSpecific(url)
}

func openURLPlatformSpecific(url string) error {
	name, args, err := platformCommand()
	if err != nil {
		return err
	}
	cmd := exec.Command(name, append(args, url)...)
	log.Debugf("Running command: %s", name)
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("failed to start browser command: %w", err)
	}
	// Reap the child without blocking the caller.
	go func() { _ = cmd.Wait() }()
	return nil
}

// platformCommand resolves the launcher for the current operating system.
func platformCommand() (string, []string, error) {
	switch runtime.GOOS {
	case "darwin":
		return "open", nil, nil
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler"}, nil
	case "linux":
		for _, browser := range linuxBrowsers {
			if _, err := exec.LookPath(browser); err == nil {
				return browser, nil, nil
			}
		}
		return "", nil, fmt.Errorf("no suitable browser found on Linux system")
	default:
		return "", nil, fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
}

// IsAvailable reports whether a browser launcher exists for the current platform.
// Unlike OpenURL it does not start anything.
func IsAvailable() bool {
	name, _, err := platformCommand()
	if err != nil {
		return false
	}
	_, err = exec.LookPath(name)
	return err == nil
}

package nodekey

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"
)

// PromptPassphrase reads a passphrase from the controlling terminal with
// input hidden, asking for it twice on every call (when loading an
// existing key as well as when creating one). The second prompt must
// match before the passphrase is accepted.
func PromptPassphrase() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("nodekey: interactive passphrase prompting requires a terminal")
	}

	pass, err := readHidden("Node key passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(pass) == "" {
		return "", fmt.Errorf("nodekey: passphrase cannot be empty")
	}

	confirm, err := readHidden("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if pass != confirm {
		return "", fmt.Errorf("nodekey: passphrases do not match")
	}

	return pass, nil
}

func readHidden(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("nodekey: read passphrase: %w", err)
	}
	return string(b), nil
}

package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/term"
)

const passphraseEnvVar = "DPAPI_PASSPHRASE"

// readPassword is replaced in tests
var readPassword = readTerminalPassword

// passphraseFromFlag resolves the export passphrase from the flag, then
// DPAPI_PASSPHRASE, then an interactive prompt. confirm asks twice.
func passphraseFromFlag(value string, confirm bool) ([]byte, error) {
	if value == "" {
		value = os.Getenv(passphraseEnvVar)
	}
	if value != "" {
		return []byte(value), nil
	}

	passphrase, err := readPassword("Passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("passphrase is required. Use --passphrase flag or %s environment variable: %w", passphraseEnvVar, err)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if !confirm {
		return passphrase, nil
	}

	again, err := readPassword("Confirm passphrase: ")
	if err != nil {
		memguard.WipeBytes(passphrase)
		return nil, err
	}
	defer memguard.WipeBytes(again)
	if !bytes.Equal(passphrase, again) {
		memguard.WipeBytes(passphrase)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return passphrase, nil
}

// readTerminalPassword reads without echo from stdin, or from /dev/tty when
// stdin carries the command's input
func readTerminalPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		tty, err := os.Open("/dev/tty")
		if err != nil {
			return nil, fmt.Errorf("no terminal available")
		}
		defer tty.Close()
		fd = int(tty.Fd())
	}

	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return passphrase, nil
}

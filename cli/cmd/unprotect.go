package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"southwinds.dev/dpapi"
)

var (
	unprotectScope      string
	unprotectEntropy    string
	unprotectEntropyHex string
	unprotectIn         string
	unprotectOut        string
	unprotectBase64In   bool
	unprotectBase64Out  bool
)

var unprotectCmd = &cobra.Command{
	Use:   "unprotect",
	Short: "Recover the plaintext of a sealed blob",
	Long: `Recover the plaintext of a blob sealed for the current user or local machine.

The entropy must be the one given when the blob was sealed. Any mismatch,
truncation or tampering is reported as "invalid data" without detail.

Examples:
  # Read a raw blob from a file, write plaintext to stdout
  dpapi unprotect --in secret.bin

  # Base64 blob on stdin, machine scope, with entropy
  echo "$BLOB" | dpapi unprotect --base64 --scope machine --entropy pepper`,
	RunE: runUnprotect,
}

func init() {
	rootCmd.AddCommand(unprotectCmd)

	unprotectCmd.Flags().StringVarP(&unprotectScope, "scope", "s", "user", "protection scope (user, machine)")
	unprotectCmd.Flags().StringVar(&unprotectEntropy, "entropy", "", "optional entropy, as text")
	unprotectCmd.Flags().StringVar(&unprotectEntropyHex, "entropy-hex", "", "optional entropy, hex encoded")
	unprotectCmd.Flags().StringVarP(&unprotectIn, "in", "i", stdio, "sealed blob file, - for stdin")
	unprotectCmd.Flags().StringVarP(&unprotectOut, "out", "o", stdio, "plaintext file, - for stdout")
	unprotectCmd.Flags().BoolVar(&unprotectBase64In, "base64", false, "input is base64 encoded")
	unprotectCmd.Flags().BoolVar(&unprotectBase64Out, "base64-out", false, "base64 encode the plaintext")
}

func runUnprotect(cmd *cobra.Command, args []string) (err error) {
	startedTime := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, startedTime) }()

	scope, err := dpapi.ParseScope(unprotectScope)
	if err != nil {
		return err
	}

	entropy, err := entropyFromFlags(unprotectEntropy, unprotectEntropyHex)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(entropy)

	blob, err := readBlob(unprotectIn, unprotectBase64In)
	if err != nil {
		return err
	}

	plaintext, err := keyStore.Unprotect(blob, entropy, scope)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plaintext)

	if unprotectBase64Out {
		encoded := []byte(base64.StdEncoding.EncodeToString(plaintext) + "\n")
		defer memguard.WipeBytes(encoded)
		return writeOutput(unprotectOut, encoded)
	}
	if err = writeOutput(unprotectOut, plaintext); err != nil {
		return fmt.Errorf("failed to write plaintext: %w", err)
	}
	return nil
}

// readBlob never returns nil data: empty input is an invalid blob, not a missing one
func readBlob(path string, base64In bool) ([]byte, error) {
	blob, err := readInput(path)
	if err != nil {
		return nil, err
	}
	if base64In {
		if blob, err = decodeBase64(blob); err != nil {
			return nil, err
		}
	}
	if blob == nil {
		blob = []byte{}
	}
	return blob, nil
}

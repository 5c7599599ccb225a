package cmd

import (
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"southwinds.dev/dpapi"
)

var (
	keysScope      string
	keysJSON       bool
	keysCreate     bool
	keysYes        bool
	keysPassphrase string
	keysFile       string
	keysOverwrite  bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage data protection keypairs",
	Long: `Manage the per-scope data protection keypairs.

Removing a keypair makes every blob sealed under it unrecoverable. Export a
keypair first to keep a passphrase-protected copy.`,
}

var keysPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show where keypairs are stored",
	RunE:  runKeysPath,
}

var keysInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show keypair details",
	Long:  `Show the identity and size of each scope's keypair. Missing keypairs are only generated with --create.`,
	RunE:  runKeysInfo,
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete a scope's keypair",
	Long:  `Delete the keypair of a scope. Data sealed under it can no longer be recovered.`,
	RunE:  runKeysRemove,
}

var keysExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a keypair under a passphrase",
	Long: `Export a scope's keypair, encrypted with a passphrase (Argon2id + XChaCha20-Poly1305).

Examples:
  DPAPI_PASSPHRASE=... dpapi keys export --scope machine --file machine-key.json`,
	RunE: runKeysExport,
}

var keysImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a keypair exported from another host",
	Long: `Import a keypair produced by "keys export". An existing keypair is only
replaced with --overwrite.`,
	RunE: runKeysImport,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysPathCmd, keysInfoCmd, keysRemoveCmd, keysExportCmd, keysImportCmd)

	keysCmd.PersistentFlags().StringVarP(&keysScope, "scope", "s", "", "scope (user, machine); default both where applicable")

	keysPathCmd.Flags().BoolVar(&keysJSON, "json", false, "output in JSON format")
	keysInfoCmd.Flags().BoolVar(&keysJSON, "json", false, "output in JSON format")
	keysInfoCmd.Flags().BoolVar(&keysCreate, "create", false, "generate missing keypairs")

	keysRemoveCmd.Flags().BoolVarP(&keysYes, "yes", "y", false, "do not ask for confirmation")

	for _, c := range []*cobra.Command{keysExportCmd, keysImportCmd} {
		c.Flags().StringVar(&keysPassphrase, "passphrase", "", "export passphrase (or use DPAPI_PASSPHRASE env var)")
	}
	keysExportCmd.Flags().StringVarP(&keysFile, "file", "f", stdio, "export file, - for stdout")
	keysImportCmd.Flags().StringVarP(&keysFile, "file", "f", stdio, "export file, - for stdin")
	keysImportCmd.Flags().BoolVar(&keysOverwrite, "overwrite", false, "replace an existing keypair")
}

// singleScope requires --scope for commands acting on one keypair
func singleScope() (dpapi.Scope, error) {
	if keysScope == "" {
		return 0, fmt.Errorf("--scope is required (user or machine)")
	}
	return dpapi.ParseScope(keysScope)
}

func runKeysPath(cmd *cobra.Command, args []string) error {
	scopes, err := parseScopes(keysScope)
	if err != nil {
		return err
	}

	locations := make(map[string]string)
	for _, scope := range scopes {
		location, err := keyStore.Location(scope)
		if err != nil {
			return err
		}
		locations[scope.String()] = location
	}

	if keysJSON {
		return printJSON(locations)
	}
	for _, scope := range scopes {
		fmt.Printf("%s: %s\n", scope, locations[scope.String()])
	}
	return nil
}

type keypairInfo struct {
	Scope        string `json:"scope"`
	Exists       bool   `json:"exists"`
	Location     string `json:"location"`
	ProviderType int    `json:"provider_type,omitempty"`
	Container    string `json:"container,omitempty"`
	KeyNumber    int    `json:"key_number,omitempty"`
	KeySize      int    `json:"key_size,omitempty"`
	Generated    bool   `json:"generated,omitempty"`
}

func runKeysInfo(cmd *cobra.Command, args []string) error {
	scopes, err := parseScopes(keysScope)
	if err != nil {
		return err
	}

	var infos []keypairInfo
	for _, scope := range scopes {
		info := keypairInfo{Scope: scope.String()}
		if info.Location, err = keyStore.Location(scope); err != nil {
			return err
		}
		if info.Exists, err = keyStore.Exists(scope); err != nil {
			return err
		}

		if info.Exists || keysCreate {
			kp, err := keyStore.Get(scope)
			if err != nil {
				return err
			}
			id := kp.Identity()
			info.Exists = true
			info.ProviderType = id.ProviderType
			info.Container = id.ContainerID
			info.KeyNumber = id.KeyNumber
			info.KeySize = kp.Size() * 8
			info.Generated = kp.Generated()
		}
		infos = append(infos, info)
	}

	if keysJSON {
		return printJSON(infos)
	}
	for _, info := range infos {
		fmt.Printf("%s:\n", info.Scope)
		fmt.Printf("  Location:  %s\n", info.Location)
		if !info.Exists {
			fmt.Println("  Keypair:   absent (use --create to generate)")
			continue
		}
		fmt.Printf("  Provider:  %d\n", info.ProviderType)
		fmt.Printf("  Container: %s\n", info.Container)
		fmt.Printf("  Key size:  %d bits\n", info.KeySize)
		if info.Generated {
			fmt.Println("  Keypair:   generated now")
		}
	}
	return nil
}

func runKeysRemove(cmd *cobra.Command, args []string) (err error) {
	startedTime := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, startedTime) }()

	scope, err := singleScope()
	if err != nil {
		return err
	}

	if !keysYes && !promptConfirmation(fmt.Sprintf("Remove the %s keypair? Data sealed under it becomes unrecoverable.", scope)) {
		fmt.Println("Remove cancelled")
		return nil
	}

	if err = keyStore.Remove(scope); err != nil {
		return err
	}
	fmt.Printf("Removed %s keypair\n", scope)
	return nil
}

func runKeysExport(cmd *cobra.Command, args []string) (err error) {
	startedTime := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, startedTime) }()

	scope, err := singleScope()
	if err != nil {
		return err
	}
	passphrase, err := passphraseFromFlag(keysPassphrase, true)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(passphrase)

	data, err := keyStore.Export(scope, passphrase)
	if err != nil {
		return err
	}
	if err = writeOutput(keysFile, append(data, '\n')); err != nil {
		return err
	}
	if keysFile != stdio {
		fmt.Printf("Exported %s keypair to %s\n", scope, keysFile)
	}
	return nil
}

func runKeysImport(cmd *cobra.Command, args []string) (err error) {
	startedTime := auditCmdStart(cmd, args)
	defer func() { err = auditCmdComplete(cmd, err, startedTime) }()

	scope, err := singleScope()
	if err != nil {
		return err
	}
	passphrase, err := passphraseFromFlag(keysPassphrase, false)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(passphrase)

	data, err := readInput(keysFile)
	if err != nil {
		return err
	}

	container, err := dpapi.ParseExport(data)
	if err != nil {
		return err
	}

	if err = keyStore.Import(scope, data, passphrase, keysOverwrite); err != nil {
		if errors.Is(err, dpapi.ErrKeypairExists) {
			return fmt.Errorf("%s already has a keypair, use --overwrite to replace it", scope)
		}
		return err
	}
	fmt.Printf("Imported %s keypair (export %s from %s, %d bits)\n", scope, container.ExportID, container.Scope, container.KeySize)
	return nil
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var completionNoDesc bool

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script",
	Long: `Generate a shell completion script for dpapi.

Bash:
  $ source <(dpapi completion bash)

Zsh:
  $ dpapi completion zsh > "${fpath[1]}/_dpapi"

fish:
  $ dpapi completion fish > ~/.config/fish/completions/dpapi.fish

PowerShell:
  PS> dpapi completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE:                  generateCompletion,
}

func init() {
	rootCmd.AddCommand(completionCmd)
	completionCmd.Flags().BoolVar(&completionNoDesc, "no-descriptions", false, "disable completion descriptions")
}

func generateCompletion(cmd *cobra.Command, args []string) error {
	root := cmd.Root()
	switch args[0] {
	case "bash":
		return root.GenBashCompletionV2(os.Stdout, !completionNoDesc)
	case "zsh":
		if completionNoDesc {
			return root.GenZshCompletionNoDesc(os.Stdout)
		}
		return root.GenZshCompletion(os.Stdout)
	case "fish":
		return root.GenFishCompletion(os.Stdout, !completionNoDesc)
	case "powershell":
		if completionNoDesc {
			return root.GenPowerShellCompletion(os.Stdout)
		}
		return root.GenPowerShellCompletionWithDesc(os.Stdout)
	}
	return fmt.Errorf("unsupported shell: %s", args[0])
}

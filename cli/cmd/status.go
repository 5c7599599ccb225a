package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"southwinds.dev/dpapi"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show key store status",
	Long:  "Display platform support, memory protection level and the state of each scope's keypair. Keypairs are not generated.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}

type scopeStatus struct {
	Scope     string   `json:"scope"`
	Backend   string   `json:"backend,omitempty"`
	Location  string   `json:"location"`
	Exists    bool     `json:"exists"`
	Documents []string `json:"documents,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type statusReport struct {
	Platform         string        `json:"platform"`
	Supported        bool          `json:"supported"`
	MemoryProtection string        `json:"memory_protection"`
	StoreType        string        `json:"store_type"`
	Scopes           []scopeStatus `json:"scopes"`
}

func showStatus(cmd *cobra.Command, args []string) error {
	stats := keyStore.Stats()
	report := statusReport{
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
		Supported:        dpapi.Supported(),
		MemoryProtection: stats.MemoryProtection,
		StoreType:        stats.StoreType,
	}

	for _, scope := range []dpapi.Scope{dpapi.CurrentUser, dpapi.LocalMachine} {
		s := scopeStatus{Scope: scope.String()}
		check, err := keyStore.Check(scope)
		s.Backend = check.Backend
		s.Location = check.Location
		s.Exists = check.Exists
		s.Documents = check.Documents
		if err != nil {
			s.Error = err.Error()
		}
		report.Scopes = append(report.Scopes, s)
	}

	if statusJSON {
		return printJSON(report)
	}

	fmt.Println("Data Protection Status")
	fmt.Println("======================")
	fmt.Printf("Platform: %s (managed implementation supported: %v)\n", report.Platform, report.Supported)
	fmt.Printf("Memory Protection: %s\n", report.MemoryProtection)
	fmt.Printf("Store Type: %s\n", report.StoreType)
	for _, s := range report.Scopes {
		fmt.Printf("\n%s:\n", s.Scope)
		if s.Error != "" {
			fmt.Printf("  ERROR - %s\n", s.Error)
			continue
		}
		fmt.Printf("  Location: %s (%s)\n", s.Location, s.Backend)
		if s.Exists {
			fmt.Println("  Keypair: present")
		} else {
			fmt.Println("  Keypair: absent (generated on first use)")
		}
		fmt.Printf("  Documents: %d in store\n", len(s.Documents))
	}
	return nil
}

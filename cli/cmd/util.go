package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/dpapi"
	"southwinds.dev/dpapi/internal/misc"
)

const stdio = "-"

func defaultAuditPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "dpapi-audit.log"
	}
	return filepath.Join(dir, "dpapi", "audit.log")
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/dpapi/.dpapi.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dpapi.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), misc.DirPermissions)
}

// parseScopes resolves a --scope value; empty selects both scopes
func parseScopes(value string) ([]dpapi.Scope, error) {
	if value == "" || strings.EqualFold(value, "all") {
		return []dpapi.Scope{dpapi.CurrentUser, dpapi.LocalMachine}, nil
	}
	scope, err := dpapi.ParseScope(value)
	if err != nil {
		return nil, err
	}
	return []dpapi.Scope{scope}, nil
}

// readInput reads a file, or stdin for "-"
func readInput(path string) ([]byte, error) {
	if path == "" || path == stdio {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// writeOutput writes to a file readable by the owner only, or stdout for "-"
func writeOutput(path string, data []byte) error {
	if path == "" || path == stdio {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// decodeBase64 accepts standard or URL-safe, padded or raw input with surrounding whitespace
func decodeBase64(data []byte) ([]byte, error) {
	s := string(bytes.TrimSpace(data))
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("input is not valid base64")
}

// entropyFromFlags returns nil when neither flag is set
func entropyFromFlags(text, hexText string) ([]byte, error) {
	if text != "" && hexText != "" {
		return nil, fmt.Errorf("--entropy and --entropy-hex are mutually exclusive")
	}
	if hexText != "" {
		entropy, err := hex.DecodeString(strings.TrimSpace(hexText))
		if err != nil {
			return nil, fmt.Errorf("invalid --entropy-hex: %w", err)
		}
		return entropy, nil
	}
	if text != "" {
		return []byte(text), nil
	}
	return nil, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	keystore := map[string]interface{}{
		"store_type":  "filesystem",
		"key_size":    dpapi.DefaultKeySize,
		"memory_lock": false,
	}
	auditConfig := map[string]interface{}{
		"enabled": false,
		"type":    "file",
		"options": map[string]interface{}{
			"file_path": defaultAuditPath(),
		},
	}

	switch template {
	case "minimal":
		return map[string]interface{}{"keystore": keystore}
	case "full":
		keystore["user_path"] = ""
		keystore["machine_path"] = ""
		keystore["s3"] = map[string]interface{}{
			"endpoint":          "",
			"bucket":            "",
			"region":            "us-east-1",
			"prefix":            "dpapi/",
			"use_ssl":           true,
			"access_key_id":     "",
			"secret_access_key": "",
		}
		auditConfig["options"].(map[string]interface{})["max_size"] = 100
		auditConfig["options"].(map[string]interface{})["max_backups"] = 5
		auditConfig["log_level"] = "info"
		return map[string]interface{}{"keystore": keystore, "audit": auditConfig}
	default:
		return map[string]interface{}{"keystore": keystore, "audit": auditConfig}
	}
}

func validateConfiguration() []string {
	var errors []string

	if _, err := buildOptions(); err != nil {
		errors = append(errors, err.Error())
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "syslog"}
		if !contains(validAuditTypes, auditType) {
			errors = append(errors, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			errors = append(errors, "audit file path is required when using file audit")
		}
	}

	return errors
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("DPAPI_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)
	return printJSON(config)
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "access_key", "token"}
	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		} else if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		}
	}
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

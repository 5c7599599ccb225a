package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/dpapi"
	"southwinds.dev/dpapi/audit"
	"southwinds.dev/dpapi/metrics"
	"southwinds.dev/dpapi/persist"
)

var (
	cfgFile     string
	keyStore    *dpapi.KeyStore
	auditLogger audit.Logger
	cliContext  *CLIContext

	// metricsRegistry is set when metrics.textfile names an output file
	metricsRegistry *prometheus.Registry
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dpapi",
	Short: "Recover data sealed with the managed data protection API",
	Long: `Recover data sealed under the current user's or the local machine's
data protection keypair, and manage those keypairs.

Keypairs are RSA keys stored as XML documents in a protected directory per
scope (or an S3 bucket). A keypair is generated on first use.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeKeyStore,
	PersistentPostRunE: closeKeyStore,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if keyStore != nil {
			_ = closeKeyStore(rootCmd, nil)
		}
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dpapi.yaml)")
	rootCmd.PersistentFlags().String("user-path", "", "current user key directory (default <config dir>/.mono/keypairs)")
	rootCmd.PersistentFlags().String("machine-path", "", "local machine key directory (default /usr/share/.mono/keypairs)")
	rootCmd.PersistentFlags().Int("key-size", dpapi.DefaultKeySize, "modulus size of generated keypairs, in bits")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "lock process memory to keep keys out of swap")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")

	bindFlagOrPanic("keystore.user_path", "user-path")
	bindFlagOrPanic("keystore.machine_path", "machine-path")
	bindFlagOrPanic("keystore.key_size", "key-size")
	bindFlagOrPanic("keystore.memory_lock", "memory-lock")
	bindFlagOrPanic("keystore.store_type", "store-type")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// Metrics flags
	rootCmd.PersistentFlags().String("metrics-file", "", "write Prometheus metrics in text format to this file on exit")

	bindFlagOrPanic("metrics.textfile", "metrics-file")

	// S3 flags
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("keystore.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("keystore.s3.region", "s3-region")
	bindFlagOrPanic("keystore.s3.bucket", "s3-bucket")
	bindFlagOrPanic("keystore.s3.prefix", "s3-prefix")
	bindFlagOrPanic("keystore.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("keystore.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("keystore.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/dpapi")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".dpapi")
	}

	viper.SetEnvPrefix("DPAPI")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("keystore.key_size", dpapi.DefaultKeySize)
	viper.SetDefault("keystore.store_type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("keystore.memory_lock", false)

	viper.SetDefault("keystore.s3.region", "us-east-1")
	viper.SetDefault("keystore.s3.prefix", "dpapi/")
	viper.SetDefault("keystore.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", defaultAuditPath())
}

// skipsKeyStore lists commands that never touch keypairs
func skipsKeyStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config", "audit":
			return true
		}
	}
	return false
}

func initializeKeyStore(cmd *cobra.Command, args []string) error {
	if skipsKeyStore(cmd) {
		return nil
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	options, err := buildOptions()
	if err != nil {
		return err
	}

	if viper.GetString("metrics.textfile") != "" {
		metricsRegistry = prometheus.NewRegistry()
		if options.Metrics, err = metrics.NewRecorder(metricsRegistry); err != nil {
			return err
		}
	}

	keyStore, err = dpapi.NewKeyStore(options, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to create key store: %w", err)
	}
	return nil
}

func closeKeyStore(cmd *cobra.Command, args []string) error {
	var errs []error
	if keyStore != nil {
		errs = append(errs, keyStore.Close())
		keyStore = nil
	}
	if auditLogger != nil {
		errs = append(errs, auditLogger.Close())
		auditLogger = nil
	}
	if metricsRegistry != nil {
		// node_exporter textfile collector format
		if err := prometheus.WriteToTextfile(viper.GetString("metrics.textfile"), metricsRegistry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics: %w", err))
		}
		metricsRegistry = nil
	}
	return errors.Join(errs...)
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Source:  cliContext.Source,
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

// buildOptions maps the configuration onto key store options
func buildOptions() (dpapi.Options, error) {
	options := dpapi.Options{
		UserPath:         viper.GetString("keystore.user_path"),
		MachinePath:      viper.GetString("keystore.machine_path"),
		KeySize:          viper.GetInt("keystore.key_size"),
		EnableMemoryLock: viper.GetBool("keystore.memory_lock"),
	}

	storeType := persist.StoreType(strings.ToLower(viper.GetString("keystore.store_type")))
	switch storeType {
	case "", persist.StoreTypeFileSystem:
		options.Store = persist.StoreConfig{Type: persist.StoreTypeFileSystem}

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("keystore.s3.endpoint"),
			AccessKeyID:     viper.GetString("keystore.s3.access_key_id"),
			SecretAccessKey: viper.GetString("keystore.s3.secret_access_key"),
			Bucket:          viper.GetString("keystore.s3.bucket"),
			KeyPrefix:       viper.GetString("keystore.s3.prefix"),
			UseSSL:          viper.GetBool("keystore.s3.use_ssl"),
			Region:          viper.GetString("keystore.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return options, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		options.Store = persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"Endpoint":        s3Config.Endpoint,
				"AccessKeyID":     s3Config.AccessKeyID,
				"SecretAccessKey": s3Config.SecretAccessKey,
				"Bucket":          s3Config.Bucket,
				"KeyPrefix":       s3Config.KeyPrefix,
				"UseSSL":          s3Config.UseSSL,
				"Region":          s3Config.Region,
			},
		}

	default:
		return options, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3", storeType)
	}

	if err := options.Validate(); err != nil {
		return options, fmt.Errorf("invalid configuration: %w", err)
	}
	return options, nil
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "keystore.s3.bucket")
	}
	if config.Endpoint == "" {
		missing = append(missing, "keystore.s3.endpoint")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "keystore.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "keystore.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// getCurrentUser falls back to $USER, then "unknown_user"
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.New().String()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	if auditLogger == nil {
		return now
	}
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       args,
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		if logErr := auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       formatError(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		}); logErr != nil {
			log.Printf("ERROR: %v\n", logErr)
		}
	}
	return err
}

// formatError flattens an error chain into "outer (caused by: inner -> cause)"
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	seen := make(map[string]bool)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); !seen[msg] {
			seen[msg] = true
			messages = append(messages, msg)
		}
	}

	if len(messages) > 1 {
		return fmt.Sprintf("%s (caused by: %s)", messages[0], strings.Join(messages[1:], " -> "))
	}
	return messages[0]
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

// isSensitiveFlag reports flags whose values must not reach the audit log
func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "entropy", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

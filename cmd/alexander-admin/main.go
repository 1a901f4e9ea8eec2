// Package main is the entry point for the Alexander Drives admin CLI.
// This tool inspects storage drivers, manages key material and operates on
// the upload ledger.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/alexander-drives/internal/config"
	"github.com/prn-tf/alexander-drives/internal/driver"
	"github.com/prn-tf/alexander-drives/internal/driver/drivers"
	"github.com/prn-tf/alexander-drives/internal/pkg/crypto"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:           "alexander-admin",
	Short:         "Alexander Drives admin CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List registered storage types, their capabilities and config schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := drivers.NewRegistry(driver.Deps{Logger: newLogger()})
		if err != nil {
			return err
		}
		infos := reg.Describe()
		if jsonOutput {
			return printJSON(infos)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TYPE\tNAME\tAVAILABLE\tCAPABILITIES")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", info.Type, info.DisplayName, info.Available, info.Capabilities)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if verbose {
			for _, info := range infos {
				if len(info.Schema) == 0 {
					continue
				}
				fmt.Printf("\n%s settings:\n", info.Type)
				for _, f := range info.Schema {
					req := ""
					if f.Required {
						req = " (required)"
					}
					fmt.Printf("  %-28s %-8s%s %s\n", f.Name, f.Type, req, f.Description)
				}
			}
		}
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a credential master key and a proxy signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		master, err := crypto.GenerateMasterKey()
		if err != nil {
			return err
		}
		signing, err := crypto.GenerateSigningKey()
		if err != nil {
			return err
		}
		fmt.Printf("ALEXANDER_SECURITY_CREDENTIAL_MASTER_KEY=%s\n", master)
		fmt.Printf("ALEXANDER_SECURITY_PROXY_SIGNING_KEY=%s\n", signing)
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal <value>",
	Short: "Encrypt a storage setting with the configured master key",
	Long: `Encrypts a secret storage setting (client secret, refresh token, access key)
so it can be stored in the configuration file. The output carries the "enc:"
prefix and is decrypted when the server loads its storage catalog.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Security.CredentialMasterKey == "" {
			return fmt.Errorf("security.credential_master_key is not set")
		}
		enc, err := crypto.NewEncryptorFromSecret(cfg.Security.CredentialMasterKey)
		if err != nil {
			return err
		}
		sealed, err := enc.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Println(sealed)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Alexander Drives Admin CLI\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	rootCmd.AddCommand(driversCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(uploadsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

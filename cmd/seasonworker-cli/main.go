// Package main provides the seasonworker-cli command-line tool for checking
// worker configs and inspecting a persistent cache store.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	edgeworker "github.com/season-tracker/edgeworker"
	"github.com/season-tracker/edgeworker/internal/cache"
	"github.com/season-tracker/edgeworker/internal/version"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type storeFlags struct {
	config string
	driver string
	dsn    string
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "seasonworker-cli",
		Short:         "Season tracker worker command line tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)

	root.AddCommand(newValidateCmd(), newVersionCmd(), newCacheCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a worker configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := edgeworker.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := edgeworker.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation error: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Config is valid\n")
			fmt.Fprintf(out, "  Version:   %s\n", cfg.Version)
			fmt.Fprintf(out, "  Scope:     %s\n", cfg.Scope)
			fmt.Fprintf(out, "  Origin:    %s\n", cfg.Origin)
			fmt.Fprintf(out, "  Manifest:  %d resource(s)\n", len(cfg.Manifest))
			fmt.Fprintf(out, "  Storage:   %s\n", cfg.Storage.Driver)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seasonworker-cli %s\n", version.String())
		},
	}
}

func newCacheCmd() *cobra.Command {
	var sf storeFlags
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect a persistent cache store",
	}
	c.PersistentFlags().StringVar(&sf.config, "config", "", "worker config to read storage settings from")
	c.PersistentFlags().StringVar(&sf.driver, "driver", "", "storage driver: sqlite or postgres")
	c.PersistentFlags().StringVar(&sf.dsn, "dsn", "", "storage DSN")

	c.AddCommand(
		&cobra.Command{
			Use:   "namespaces",
			Short: "List cache namespaces in creation order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				store, err := sf.open()
				if err != nil {
					return err
				}
				defer store.Close() //nolint:errcheck
				names, err := store.Namespaces(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "keys <namespace>",
			Short: "List request keys stored in a namespace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sf.open()
				if err != nil {
					return err
				}
				defer store.Close() //nolint:errcheck
				keys, err := store.Keys(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "purge <keep-namespace>",
			Short: "Delete every namespace except the one given",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sf.open()
				if err != nil {
					return err
				}
				defer store.Close() //nolint:errcheck
				deleted, err := store.Retain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, n := range deleted {
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", n)
				}
				return nil
			},
		},
	)
	return c
}

// open resolves the store from flags, falling back to the config file's
// storage section. The in-memory driver is rejected since it holds nothing.
func (sf storeFlags) open() (cache.Store, error) {
	driver, dsn := sf.driver, sf.dsn
	if sf.config != "" {
		cfg, err := edgeworker.LoadConfig(sf.config)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if driver == "" {
			driver = string(cfg.Storage.Driver)
		}
		if dsn == "" {
			dsn = cfg.Storage.DSN
		}
	}
	switch edgeworker.StorageDriver(driver) {
	case edgeworker.StorageSQLite, edgeworker.StoragePostgres:
	default:
		return nil, fmt.Errorf("cache commands need a persistent driver (sqlite or postgres), got %q", driver)
	}
	return cache.OpenStore(driver, dsn)
}

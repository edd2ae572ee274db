package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franksops/gomigrate/config"
	"github.com/franksops/gomigrate/provider"
	"github.com/franksops/gomigrate/store"
)

func newStorageCommand(ctx *commandContext) *cobra.Command {
	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Manage where each content category is stored",
	}
	storageCmd.AddCommand(newStorageShowCommand(ctx))
	storageCmd.AddCommand(newStorageSetCommand(ctx))
	storageCmd.AddCommand(newStorageInitCommand(ctx))
	return storageCmd
}

func newStorageShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the storage configuration of every category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st store.Store) error {
				configs, err := st.ListConfigurations(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					out := make([]*store.StorageConfiguration, 0, len(configs))
					for _, c := range configs {
						redacted := *c
						redacted.Config = redactConfig(c.Config)
						out = append(out, &redacted)
					}
					return writeJSON(cmd, out)
				}
				renderStorageConfigurations(cmd.OutOrStdout(), configs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newStorageSetCommand(ctx *commandContext) *cobra.Command {
	var flags providerFlags
	cmd := &cobra.Command{
		Use:   "set <category>",
		Short: "Point a category at a storage provider",
		Example: `  gmigrate storage set assets --provider local --set local_path=/srv/site/assets
  gmigrate storage set assets --provider s3 --target-config s3.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := store.ParseCategory(args[0])
			if err != nil {
				return err
			}
			kind, err := provider.ParseKind(flags.kind)
			if err != nil {
				return err
			}
			cfg, err := flags.providerConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(kind); err != nil {
				return err
			}
			return ctx.withStore(func(_ *config.Config, st store.Store) error {
				sc := &store.StorageConfiguration{
					Category: category,
					Provider: kind,
					Config:   cfg,
					IsActive: true,
				}
				if err := st.SaveConfiguration(cmd.Context(), sc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now stored on %s (%s)\n", category, kind, storageLocation(sc))
				return nil
			})
		},
	}
	flags.register(cmd, "provider")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newStorageInitCommand(ctx *commandContext) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Store every unconfigured category on the local disk",
		Long:  "Init gives each category without a configuration a local directory under --root (default storage.root).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, st store.Store) error {
				dir := root
				if dir == "" {
					dir = cfg.Storage.Root
				}
				created, err := store.EnsureDefaultConfigurations(cmd.Context(), st, dir)
				if err != nil {
					return err
				}
				if len(created) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Every category is already configured")
					return nil
				}
				for _, c := range created {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", c.Category, c.Config.LocalPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "Directory holding one sub-directory per category")
	return cmd
}

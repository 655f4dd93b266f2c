package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmcatalog/dmcat/internal/app"
	"github.com/dmcatalog/dmcat/internal/reconcile"
	"github.com/dmcatalog/dmcat/pkg/types"
)

func newStorageCmd(flags *globalFlags) *cobra.Command {
	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Manage catalog storages",
	}

	var (
		name       string
		platform   string
		attributes map[string]string
	)
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a storage",
		Long: `Register a storage in the catalog.

Examples:
  dmcat storage register --name S3_MANAGED --platform S3 \
    --attribute bucket.name=my-bucket`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			desc := types.StorageDescriptor{
				Name:       name,
				Platform:   types.StoragePlatform(platform),
				Attributes: attributes,
			}
			return withApp(flags, func(a *app.App) error {
				if err := a.Catalog().RegisterStorage(cmd.Context(), desc); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), desc)
			})
		},
	}
	registerCmd.Flags().StringVar(&name, "name", "", "storage name")
	registerCmd.Flags().StringVar(&platform, "platform", string(types.PlatformS3), "storage platform (S3, GLACIER, FILE)")
	registerCmd.Flags().StringToStringVar(&attributes, "attribute", nil, "storage attribute key=value (repeatable)")
	storageCmd.AddCommand(registerCmd)

	return storageCmd
}

func newFormatCmd(flags *globalFlags) *cobra.Command {
	formatCmd := &cobra.Command{
		Use:   "format",
		Short: "Manage business object formats",
	}

	var (
		key          types.FormatKey
		provider     string
		partitionKey string
		subKeys      []string
	)
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a business object format",
		RunE: func(cmd *cobra.Command, args []string) error {
			format := &types.FormatDescriptor{
				Key:              key,
				DataProvider:     provider,
				PartitionKey:     partitionKey,
				SubPartitionKeys: subKeys,
			}
			return withApp(flags, func(a *app.App) error {
				if err := a.Catalog().RegisterFormat(cmd.Context(), format); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), format)
			})
		},
	}
	f := registerCmd.Flags()
	f.StringVar(&key.Namespace, "namespace", "", "namespace")
	f.StringVar(&key.DefinitionName, "definition", "", "business object definition name")
	f.StringVar(&key.Usage, "usage", "", "format usage")
	f.StringVar(&key.FileType, "file-type", "", "format file type")
	f.IntVar(&key.Version, "format-version", 0, "format version")
	f.StringVar(&provider, "provider", "", "data provider name")
	f.StringVar(&partitionKey, "partition-key", "", "primary partition key")
	f.StringArrayVar(&subKeys, "sub-partition-key", nil, "sub-partition key (repeatable, in order)")
	formatCmd.AddCommand(registerCmd)

	return formatCmd
}

func newDataCmd(flags *globalFlags) *cobra.Command {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Inspect business object data",
	}

	key := &keyFlags{}
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List every registered version of a business object data identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app.App) error {
				req := key.request(cmd, "")
				if req.BusinessObjectFormatVersion == nil {
					return fmt.Errorf("--format-version is required")
				}
				records, err := a.Catalog().ListData(cmd.Context(), req.DataKey())
				if err != nil {
					return err
				}
				out := make([]reconcile.RegisteredData, 0, len(records))
				for _, r := range records {
					out = append(out, reconcile.NewRegisteredData(r))
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	key.register(listCmd)
	dataCmd.AddCommand(listCmd)

	return dataCmd
}

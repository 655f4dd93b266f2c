package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/dmcatalog/dmcat/internal/app"
	"github.com/dmcatalog/dmcat/internal/reconcile"
)

// keyFlags hold the identity of a business object data, shared by the
// invalidate and data subcommands.
type keyFlags struct {
	namespace      string
	definition     string
	usage          string
	fileType       string
	formatVersion  int
	partitionValue string
	subPartitions  []string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&k.namespace, "namespace", "", "namespace")
	f.StringVar(&k.definition, "definition", "", "business object definition name")
	f.StringVar(&k.usage, "usage", "", "business object format usage")
	f.StringVar(&k.fileType, "file-type", "", "business object format file type")
	f.IntVar(&k.formatVersion, "format-version", 0, "business object format version")
	f.StringVar(&k.partitionValue, "partition-value", "", "primary partition value")
	f.StringArrayVar(&k.subPartitions, "sub-partition-value", nil, "sub-partition value (repeatable, in order)")
}

// request builds an invalidation request. The format version stays unset
// unless the flag was given.
func (k *keyFlags) request(cmd *cobra.Command, storageName string) reconcile.Request {
	req := reconcile.Request{
		Namespace:                    k.namespace,
		BusinessObjectDefinitionName: k.definition,
		BusinessObjectFormatUsage:    k.usage,
		BusinessObjectFormatFileType: k.fileType,
		PartitionValue:               k.partitionValue,
		SubPartitionValues:           k.subPartitions,
		StorageName:                  storageName,
	}
	if cmd.Flags().Changed("format-version") {
		v := k.formatVersion
		req.BusinessObjectFormatVersion = &v
	}
	return req
}

func newInvalidateCmd(flags *globalFlags) *cobra.Command {
	key := &keyFlags{}
	var storageName string

	cmd := &cobra.Command{
		Use:     "invalidate",
		Aliases: []string{"invalidate-unregistered"},
		Short:   "Register unregistered data found in S3 as INVALID",
		Long: `Probe S3 for data versions above the latest registered version of one
business object data identity and register each one found as INVALID.
The registered records are printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app.App) error {
				resp, err := a.Service().InvalidateUnregistered(cmd.Context(), key.request(cmd, storageName))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}

	key.register(cmd)
	cmd.Flags().StringVar(&storageName, "storage", "", "name of the S3 storage to probe")
	return cmd
}

// withApp initializes the catalog and services without starting servers.
func withApp(flags *globalFlags, fn func(a *app.App) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Init(); err != nil {
		return err
	}
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

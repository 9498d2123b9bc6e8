package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hitlwatch/internal/integrity"
	"github.com/ppiankov/hitlwatch/internal/wire"
)

// version is overridden at build time with -ldflags "-X .../internal/cli.version=<v>".
var version = "0.3.0"

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionChecksum, "checksum", false, "Include the SHA-256 of the running binary")
}

var versionChecksum bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{
			"version":        version,
			"name":           "hitlwatch",
			"schema_version": wire.SchemaVersion,
		}
		if versionChecksum {
			sum, err := integrity.HashSelf()
			if err != nil {
				return err
			}
			info["sha256"] = sum
		}
		out, _ := json.MarshalIndent(info, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/querywatch/querywatch/fingerprint"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint <sql>",
	Short: "Print the normalized text and hash of a SQL string",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sql := strings.Join(args, " ")
		fp, err := fingerprint.Fingerprint(sql)
		if err != nil {
			return err
		}
		fmt.Println("hash:      ", fp.Hash)
		fmt.Println("normalized:", fp.NormalizedText)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}

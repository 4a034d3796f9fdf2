package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/banking-audit-ledger/anchor/pkg/client"
)

var verifyDigest string

var verifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Verify a record against its recomputed digest and the ledger",
	Long: `Verify recomputes the record's digest from its stored payload and
compares it with the stored digest and the digest anchored on the ledger.

Pass --digest with a digest you kept at ingestion time to also check the
record against it. The command exits with status 2 when the record fails
verification.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var v *client.Verification
		if verifyDigest != "" {
			v, err = c.VerifyLogWithDigest(cmd.Context(), args[0], verifyDigest)
		} else {
			v, err = c.VerifyLog(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}

		if err := render(cmd.OutOrStdout(), v, func(w io.Writer) error { return verdictBox(w, v) }); err != nil {
			return err
		}
		if !v.IsValid {
			return errVerificationFailed
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyDigest, "digest", "", "hex digest to compare the record against")
}

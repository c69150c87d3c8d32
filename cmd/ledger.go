package cmd

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/assetledger/internal/integrity"
	"example.com/backstage/services/assetledger/internal/outbox"
	"example.com/backstage/services/assetledger/internal/projections"
	"example.com/backstage/services/assetledger/internal/signing"
)

var (
	assetID    string
	allAssets  bool
	entityID   string
	newAssetID string
	emitterID  string
	outboxIDs  []string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify stored chains and quarantine broken assets",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := oneOrAll(); err != nil {
			return err
		}
		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		auditor := integrity.NewAuditor(l.db, l.keys, l.cache, cfg.AuditBatchSize)
		if allAssets {
			summary, err := auditor.VerifyAll(cmd.Context())
			if printErr := printJSON(summary); printErr != nil {
				return printErr
			}
			return err
		}
		res, err := auditor.VerifyAsset(cmd.Context(), assetID)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild projections by replaying the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := oneOrAll(); err != nil {
			return err
		}
		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		builder := projections.NewBuilder(l.db, l.keys)
		if allAssets {
			n, err := builder.RebuildAll(cmd.Context())
			log.Info().Int("assets", n).Msg("Projections rebuilt")
			return err
		}
		p, err := builder.Rebuild(cmd.Context(), assetID)
		if err != nil {
			return err
		}
		l.cache.Invalidate(cmd.Context(), assetID)
		return printJSON(p)
	},
}

var successorCmd = &cobra.Command{
	Use:   "successor",
	Short: "Open a successor asset for a corrupted one",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		receipt, err := integrity.NewRecovery(l.db, l.store).OpenSuccessor(cmd.Context(), entityID, assetID, newAssetID)
		if err != nil {
			return err
		}
		log.Info().Str("corrupted", assetID).Str("successor", newAssetID).Msg("Successor asset opened")
		return printJSON(receipt)
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect emitter signing keys",
}

var keysDeriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Print the public key derived for an emitter",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.SigningMasterSeed == "" {
			return errors.New("signing.master_seed is not set; derived keys would be ephemeral")
		}
		keys, err := signing.NewKeyringFromConfig(cfg.SigningMasterSeed, false)
		if err != nil {
			return err
		}
		pub, err := keys.PublicKey(cmd.Context(), emitterID)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{
			"emitter_id": emitterID,
			"algorithm":  "ed25519",
			"public_key": base64.StdEncoding.EncodeToString(pub),
		})
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Manage outbox deliveries",
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move FAILED outbox entries back to PENDING",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		n, err := outbox.NewDispatcher(db, nil, outbox.OptionsFromConfig(cfg)).Requeue(cmd.Context(), outboxIDs...)
		if err != nil {
			return err
		}
		return printJSON(map[string]int64{"requeued": n})
	},
}

func oneOrAll() error {
	if (assetID == "") == !allAssets {
		return errors.New("pass exactly one of --asset or --all")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func init() {
	auditCmd.Flags().StringVar(&assetID, "asset", "", "asset to audit")
	auditCmd.Flags().BoolVar(&allAssets, "all", false, "audit every asset with a valid chain")

	rebuildCmd.Flags().StringVar(&assetID, "asset", "", "asset to rebuild")
	rebuildCmd.Flags().BoolVar(&allAssets, "all", false, "rebuild every projection")

	successorCmd.Flags().StringVar(&entityID, "entity", "", "owning entity")
	successorCmd.Flags().StringVar(&assetID, "asset", "", "corrupted asset")
	successorCmd.Flags().StringVar(&newAssetID, "new-asset", "", "id for the successor asset")
	for _, f := range []string{"entity", "asset", "new-asset"} {
		_ = successorCmd.MarkFlagRequired(f)
	}

	keysDeriveCmd.Flags().StringVar(&emitterID, "emitter", "", "emitter id")
	_ = keysDeriveCmd.MarkFlagRequired("emitter")
	keysCmd.AddCommand(keysDeriveCmd)

	outboxRequeueCmd.Flags().StringSliceVar(&outboxIDs, "id", nil, "entry id to requeue (repeatable, default all FAILED)")
	outboxCmd.AddCommand(outboxRequeueCmd)

	rootCmd.AddCommand(auditCmd, rebuildCmd, successorCmd, keysCmd, outboxCmd)
}

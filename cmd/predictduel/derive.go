package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"predict-duel/internal/config"
	"predict-duel/internal/custody"
	"predict-duel/internal/domain"
)

//nolint:gochecknoglobals // Cobra boilerplate
var deriveCmd = &cobra.Command{
	Use:   "derive",
	Short: "Print the program-derived addresses of a market",
	Long: `Derives the market, vault and (with --bettor) participant addresses
for a creator and market index. Needs no store.`,
	RunE: runDerive,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(deriveCmd)
	deriveCmd.Flags().String("program-id", config.DefaultProgramID, "Program ID (base58)")
	deriveCmd.Flags().String("creator", "", "Market creator (base58)")
	deriveCmd.Flags().Uint64("index", 0, "Per-creator market index")
	deriveCmd.Flags().String("bettor", "", "Bettor (base58), to derive the participant address")
	_ = deriveCmd.MarkFlagRequired("creator")
}

func runDerive(cmd *cobra.Command, _ []string) error {
	programStr, _ := cmd.Flags().GetString("program-id")
	creatorStr, _ := cmd.Flags().GetString("creator")
	index, _ := cmd.Flags().GetUint64("index")
	bettorStr, _ := cmd.Flags().GetString("bettor")

	programID, err := domain.ParseAddress(programStr)
	if err != nil {
		return fmt.Errorf("program-id: %w", err)
	}
	creator, err := domain.ParseAddress(creatorStr)
	if err != nil {
		return fmt.Errorf("creator: %w", err)
	}

	addrs, err := custody.DeriveMarket(programID, creator, index)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "market:      %s (bump %d)\n", addrs.Market, addrs.Bump)
	fmt.Fprintf(out, "vault:       %s (bump %d)\n", addrs.Vault, addrs.VaultBump)

	if bettorStr != "" {
		bettor, err := domain.ParseAddress(bettorStr)
		if err != nil {
			return fmt.Errorf("bettor: %w", err)
		}
		participant, bump, err := custody.DeriveParticipant(programID, addrs.Market, bettor)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "participant: %s (bump %d)\n", participant, bump)
	}
	return nil
}

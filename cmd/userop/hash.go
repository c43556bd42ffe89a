package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var hashOptions struct {
	entryPoint string
	chainID    int64
}

var hashCmd = &cobra.Command{
	Use:   "hash [file]",
	Short: "Print the hash of a user operation read from a JSON file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !common.IsHexAddress(hashOptions.entryPoint) {
			return fmt.Errorf("invalid entry point address: %s", hashOptions.entryPoint)
		}
		if hashOptions.chainID <= 0 {
			return fmt.Errorf("--chain-id must be positive")
		}

		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open user operation: %w", err)
			}
			defer f.Close()
			in = f
		}

		hash, err := hashUserOperation(in, common.HexToAddress(hashOptions.entryPoint), hashOptions.chainID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash.Hex())
		return nil
	},
}

func hashUserOperation(in io.Reader, entryPoint common.Address, chainID int64) (common.Hash, error) {
	var op erc4337.UserOperation
	if err := json.NewDecoder(in).Decode(&op); err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode user operation: %w", err)
	}
	op.Normalize()

	hash, err := op.Hash(entryPoint, big.NewInt(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash user operation: %w", err)
	}
	return hash, nil
}

func init() {
	hashCmd.Flags().StringVar(&hashOptions.entryPoint, "entry-point", erc4337.EntryPointV06.Hex(), "EntryPoint contract address")
	hashCmd.Flags().Int64Var(&hashOptions.chainID, "chain-id", 0, "chain id the operation targets")
	_ = hashCmd.MarkFlagRequired("chain-id")
	rootCmd.AddCommand(hashCmd)
}

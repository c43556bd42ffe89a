package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethaccount/userop/erc4337"
	"github.com/ethaccount/userop/src/app"
	"github.com/ethaccount/userop/src/domain"
	"github.com/ethaccount/userop/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var sendOptions struct {
	sender               string
	to                   string
	value                string
	data                 string
	maxFeePerGas         string
	maxPriorityFeePerGas string
	origin               string
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Build, sign and submit a single user operation and wait for its receipt",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := sendRequest()
		if err != nil {
			return err
		}

		config := app.NewAppConfig()
		// The operation is processed inline, never handed to a shared queue
		config.RedisAddr = new(string)

		logger := app.InitLogger(*config.LogLevel, *config.LogFormat)
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx = logger.WithContext(ctx)

		application, err := app.NewApplication(ctx, *config)
		if err != nil {
			return err
		}
		defer application.Shutdown(ctx)

		userOps := application.UserOperationService
		m, err := userOps.AddUserOperation(ctx, service.AddUserOperationRequest{
			Request:     req,
			Origin:      sendOptions.origin,
			AutoApprove: true,
		})
		if err != nil {
			return err
		}

		m, err = userOps.ProcessUserOperation(ctx, m.ID)
		if m != nil {
			out, jsonErr := json.MarshalIndent(m, "", "  ")
			if jsonErr != nil {
				return jsonErr
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		}
		return err
	},
}

func sendRequest() (domain.UserOperationRequest, error) {
	req := domain.UserOperationRequest{
		MaxFeePerGas:         sendOptions.maxFeePerGas,
		MaxPriorityFeePerGas: sendOptions.maxPriorityFeePerGas,
	}

	if sendOptions.sender != "" {
		if !common.IsHexAddress(sendOptions.sender) {
			return req, fmt.Errorf("invalid sender address: %s", sendOptions.sender)
		}
		req.Sender = common.HexToAddress(sendOptions.sender)
	}
	if sendOptions.to != "" {
		if !common.IsHexAddress(sendOptions.to) {
			return req, fmt.Errorf("invalid to address: %s", sendOptions.to)
		}
		to := common.HexToAddress(sendOptions.to)
		req.To = &to
	}
	if sendOptions.value != "" {
		value, err := erc4337.ParseQuantity(sendOptions.value)
		if err != nil {
			return req, fmt.Errorf("invalid value: %w", err)
		}
		req.Value = erc4337.ToHexBig(value)
	}
	if sendOptions.data != "" {
		data, err := hexutil.Decode(sendOptions.data)
		if err != nil {
			return req, fmt.Errorf("invalid data: %w", err)
		}
		req.Data = data
	}
	return req, nil
}

func init() {
	flags := sendCmd.Flags()
	flags.StringVar(&sendOptions.sender, "sender", "", "account address; derived from the factory when empty")
	flags.StringVar(&sendOptions.to, "to", "", "call target")
	flags.StringVar(&sendOptions.value, "value", "", "wei to send, hex or decimal")
	flags.StringVar(&sendOptions.data, "data", "", "hex encoded call data")
	flags.StringVar(&sendOptions.maxFeePerGas, "max-fee-per-gas", "", "fixed maxFeePerGas, hex or decimal")
	flags.StringVar(&sendOptions.maxPriorityFeePerGas, "max-priority-fee-per-gas", "", "fixed maxPriorityFeePerGas, hex or decimal")
	flags.StringVar(&sendOptions.origin, "origin", domain.WalletOrigin, "origin recorded with the operation")
	rootCmd.AddCommand(sendCmd)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"engined/internal/client"
	"engined/internal/transport"
	"engined/pkg/types"
)

func buildSubmitCmd(o *rootOptions) *cobra.Command {
	var (
		handshakeAddr string
		inputAddr     string
		outputAddr    string
		engines       int
		engineIndex   int
		tokens        string
		maxTokens     int
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Act as a front end: wait for engines, submit one prompt and print the outputs",
		Example: "  engined submit --handshake-address tcp://127.0.0.1:5570 \\\n" +
			"    --input-address tcp://127.0.0.1:5571 --output-address tcp://127.0.0.1:5572 --tokens 1,2,3",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseTokens(tokens)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return errors.New("submit: --tokens is required")
			}
			ctx := cmd.Context()
			c, err := client.Start(ctx, client.Config{
				HandshakeAddress: handshakeAddr,
				InputAddress:     inputAddr,
				OutputAddress:    outputAddr,
				NumEngines:       engines,
				Timeout:          o.cfg.Engine.HandshakeTimeoutDuration(),
				Opener:           transport.ZMQ{},
				Logger:           o.log,
			})
			if err != nil {
				return err
			}
			defer c.Close()
			for _, e := range c.Engines() {
				o.log.Info().Int("engine_index", e.Index).Int("num_gpu_blocks", e.NumGPUBlocks).Msg("engine registered")
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			finish, err := c.Generate(ctx, engineIndex, types.EngineCoreRequest{
				PromptTokenIDs: ids,
				Sampling:       &types.SamplingParams{MaxTokens: maxTokens},
			}, func(out types.EngineCoreOutput) {
				printOutput(cmd.OutOrStdout(), out)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "finished: %s\n", finish)
			return nil
		},
	}
	cmd.Flags().StringVar(&handshakeAddr, "handshake-address", envStr("ENGINED_HANDSHAKE_ADDRESS", "tcp://127.0.0.1:5570"), "Handshake ROUTER address to bind")
	cmd.Flags().StringVar(&inputAddr, "input-address", envStr("ENGINED_INPUT_ADDRESS", "tcp://127.0.0.1:5571"), "Input ROUTER address to bind")
	cmd.Flags().StringVar(&outputAddr, "output-address", envStr("ENGINED_OUTPUT_ADDRESS", "tcp://127.0.0.1:5572"), "Output PULL address to bind")
	cmd.Flags().IntVar(&engines, "engines", envInt("ENGINED_ENGINES", 1), "Engines to wait for")
	cmd.Flags().IntVar(&engineIndex, "engine-index", 0, "Engine that receives the request")
	cmd.Flags().StringVar(&tokens, "tokens", "", "Comma-separated prompt token ids")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 16, "Tokens to generate")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Generation timeout; 0 waits forever")
	return cmd
}

func parseTokens(s string) ([]int32, error) {
	var ids []int32
	for _, f := range splitCSV(s) {
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", f, err)
		}
		ids = append(ids, int32(n))
	}
	return ids, nil
}

func printOutput(w io.Writer, out types.EngineCoreOutput) {
	if len(out.PoolingOutput) > 0 {
		fmt.Fprintf(w, "%s pooled %v\n", out.RequestID, out.PoolingOutput)
		return
	}
	fmt.Fprintf(w, "%s %v\n", out.RequestID, out.NewTokenIDs)
}

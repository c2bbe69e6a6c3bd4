package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report kernel status",
		Long:  "Call the running kernel's getStatus RPC and print the result as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result json.RawMessage
			if err := callRPC(addr, "getStatus", nil, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "kernel control plane address")
	return cmd
}

func launchCmd() *cobra.Command {
	var (
		addr       string
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a subcluster from a YAML config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", configPath, err)
			}
			var cfg json.RawMessage
			if err := yamlToJSON(raw, &cfg); err != nil {
				return fmt.Errorf("parse %s: %w", configPath, err)
			}
			params := map[string]any{"config": cfg}
			var result json.RawMessage
			if err := callRPC(addr, "launchSubcluster", params, &result); err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "kernel control plane address")
	cmd.Flags().StringVar(&configPath, "file", "", "path to a subcluster config YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

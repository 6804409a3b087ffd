package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"commdispatch/internal/app"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Communication dispatch engine",
		Long:          "dispatchd sends approved communications to their recipients over email, sms and push.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (json or yaml)")

	open := func() (*app.App, error) { return app.New(cfgPath) }

	root.AddCommand(
		newServeCmd(open),
		newSendCmd(open),
		newClaimCmd(open),
		newCompleteCmd(open),
		newPendingCmd(open),
		newReapCmd(open),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

type openFunc func() (*app.App, error)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

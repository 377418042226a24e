// Protokol CLI — инструмент командной строки для управления ботами
// митингов через HTTP API.
//
// Использование:
//
//	protokol [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	bot        Управление ботами (start, list, show, stop, send)
//	reconcile  Внеочередная сверка sessions пользователя
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Protokol/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "protokol",
		Short:         "Protokol CLI — meeting bot orchestration tool",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewBotCmd(clientFn, outputFn),
		cli.NewReconcileCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vsr-engine/internal/logging"
	"vsr-engine/internal/vsr/server"
)

const (
	// Wrap is the number of characters to wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// initConfig reads .env files and VSR_* environment variables
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("vsr")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// bindFlags binds the flags of cmd to viper and applies the log level
func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return logging.Init(viper.GetString("log-level"))
}

// setupClientFlags adds the flags every client command shares
func setupClientFlags(cmd *cobra.Command) {
	key := "endpoint"
	cmd.PersistentFlags().String(key, "localhost:7000", WrapString("Address of the node to talk to"))

	key = "members"
	cmd.PersistentFlags().String(key, "", WrapString("Comma-separated id=address list of the cluster. When set, requests follow the leader instead of going to --endpoint"))

	key = "timeout"
	cmd.PersistentFlags().Duration(key, 5*time.Second, WrapString("Timeout of a single command"))
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
}

// dialEndpoint connects to the node named by --endpoint
func dialEndpoint() (*server.Client, error) {
	return server.Dial(viper.GetString("endpoint"))
}

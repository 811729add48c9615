package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/groupchat/backend/internal/storage/sqlite"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
)

var validFormats = []string{"text", "json"}

type rootOptions struct {
	ConfigPath string
	Format     string

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "groupchat-admin",
		Short:         "Operate a GroupChat deployment",
		Long:          "Seed contacts and inspect the payout ledger of a GroupChat database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}

			var err error
			if opts.ConfigPath != "" {
				opts.cfg, err = config.LoadFile(opts.ConfigPath)
			} else {
				opts.cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			// stdout carries command output, so logs go to stderr.
			return logger.Init(opts.cfg.Logging.Level, "console", "stderr")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default: ./config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newSeedCommand(opts))
	cmd.AddCommand(newBalanceCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	cmd.AddCommand(newVerifyLedgerCommand(opts))
	cmd.AddCommand(newContactCommand(opts))
	cmd.AddCommand(newOutreachQueueCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range validFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *rootOptions) openStore() (*sqlite.Client, error) {
	store, err := sqlite.NewClient(o.cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// emit writes v as indented JSON in json mode, otherwise calls text.
func (o *rootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/cache/redis"
	"github.com/groupchat/backend/internal/vector/zilliz"
	"github.com/groupchat/backend/pkg/logger"
)

func newContactCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage individual contacts",
	}
	cmd.AddCommand(newSetDisabledCommand(rootOpts, "disable", true))
	cmd.AddCommand(newSetDisabledCommand(rootOpts, "enable", false))
	return cmd
}

// newSetDisabledCommand toggles whether a contact can be matched. Disabling
// also drops the contact from Milvus when it is enabled; the next upsert
// puts it back.
func newSetDisabledCommand(rootOpts *rootOptions, use string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <contact-id>",
		Short: fmt.Sprintf("%s matching for a contact", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			store, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetContactDisabled(ctx, args[0], disabled); err != nil {
				return err
			}

			if disabled && rootOpts.cfg.Milvus.Enabled {
				vectors, err := zilliz.NewClient(ctx, rootOpts.cfg.Milvus)
				if err != nil {
					return err
				}
				defer vectors.Close()
				if err := vectors.DeleteVector(ctx, args[0]); err != nil {
					logger.Warn("Failed to drop contact vector", zap.String("contact_id", args[0]), zap.Error(err))
				}
			}

			result := map[string]any{"contact_id": args[0], "disabled": disabled}
			return rootOpts.emit(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "%s %sd\n", args[0], use)
			})
		},
	}
}

func newOutreachQueueCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outreach-queue",
		Short: "Show how many notifications wait for external senders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.cfg
			if !cfg.Redis.Enabled || !cfg.Outreach.QueueChannels {
				return fmt.Errorf("outreach queues need redis.enabled and outreach.queueChannels")
			}
			client, err := redis.NewClient(cfg.Redis)
			if err != nil {
				return err
			}
			defer client.Close()

			lengths := make(map[string]int64, len(cfg.Outreach.Channels))
			for _, ch := range cfg.Outreach.Channels {
				n, err := client.QueueLength(commandContext(cmd), ch)
				if err != nil {
					return err
				}
				lengths[ch] = n
			}
			return rootOpts.emit(cmd.OutOrStdout(), lengths, func(w io.Writer) {
				for _, ch := range cfg.Outreach.Channels {
					fmt.Fprintf(w, "%-8s %d\n", ch, lengths[ch])
				}
			})
		},
	}
}

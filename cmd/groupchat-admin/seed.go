package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/expertise"
	"github.com/groupchat/backend/internal/ingestion"
	"github.com/groupchat/backend/internal/kg/neo4j"
	"github.com/groupchat/backend/internal/llm"
	"github.com/groupchat/backend/internal/vector/zilliz"
	"github.com/groupchat/backend/pkg/logger"
)

func newSeedCommand(rootOpts *rootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed --file contacts.yaml",
		Short: "Load contacts, referrals and tag groups from a seed file",
		Long: `Load contacts, referrals and tag groups from a YAML seed file.

Contacts are embedded when an LLM API key is configured and mirrored into
Milvus when it is enabled. Referrals are stored in sqlite and, with neo4j
enabled, in the graph. Tag groups need neo4j; without it they belong in
matching.tagGroups of the server config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(commandContext(cmd), rootOpts, file, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runSeed(ctx context.Context, opts *rootOptions, file string, out io.Writer) error {
	cfg := opts.cfg

	seed, err := ingestion.LoadSeedFile(file)
	if err != nil {
		return err
	}

	store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var embedder expertise.Embedder
	if cfg.LLM.APIKey != "" {
		embedder = llm.NewClient(cfg.LLM)
	}

	var vectors expertise.VectorStore
	if cfg.Milvus.Enabled {
		zillizClient, err := zilliz.NewClient(ctx, cfg.Milvus)
		if err != nil {
			return err
		}
		defer zillizClient.Close()
		if err := zillizClient.CreateCollection(ctx); err != nil {
			return err
		}
		vectors = zillizClient
	}

	referrals := []ingestion.ReferralStore{store}
	var groups ingestion.TagGroupStore
	if cfg.Neo4j.Enabled {
		graph, err := neo4j.NewClient(cfg.Neo4j)
		if err != nil {
			return err
		}
		defer graph.Close(context.Background())
		if err := graph.EnsureSchema(ctx); err != nil {
			return err
		}
		referrals = append(referrals, graph)
		groups = graph
	} else if len(seed.TagGroups) > 0 {
		logger.Warn("Neo4j disabled; tag groups in seed file are not stored",
			zap.Int("tag_groups", len(seed.TagGroups)))
	}

	index := expertise.NewIndex(store, vectors, embedder, cfg.Milvus.Prefilter)
	report, err := ingestion.NewProcessor(index, groups, referrals...).Process(ctx, seed)
	if report == nil {
		return err
	}

	if emitErr := opts.emit(out, report, func(w io.Writer) {
		fmt.Fprintf(w, "contacts:   %d\n", report.Contacts)
		fmt.Fprintf(w, "referrals:  %d\n", report.Referrals)
		fmt.Fprintf(w, "tag groups: %d\n", report.TagGroups)
		for _, id := range report.Failed {
			fmt.Fprintf(w, "failed:     %q\n", id)
		}
	}); emitErr != nil {
		return emitErr
	}
	return err
}

package zilliz

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/expertise"
	"github.com/groupchat/backend/pkg/config"
	"github.com/groupchat/backend/pkg/logger"
)

const (
	idField     = "contact_id"
	vectorField = "embedding"
)

// Client stores one normalized expertise vector per contact and answers
// nearest-contact searches by inner product.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, cfg config.MilvusConfig) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		schema := &entity.Schema{
			CollectionName: z.collectionName,
			Description:    "contact expertise embeddings",
			Fields: []*entity.Field{
				{
					Name:       idField,
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					AutoID:     false,
					TypeParams: map[string]string{"max_length": "64"},
				},
				{
					Name:       vectorField,
					DataType:   entity.FieldTypeFloatVector,
					TypeParams: map[string]string{"dim": fmt.Sprintf("%d", z.vectorDim)},
				},
			},
		}

		if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.IP, 128)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := z.client.CreateIndex(ctx, z.collectionName, vectorField, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", z.collectionName))
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// UpsertVector replaces the vector stored for a contact.
func (z *Client) UpsertVector(ctx context.Context, contactID string, vector []float32) error {
	if len(vector) != z.vectorDim {
		return fmt.Errorf("vector for %s has dim %d, collection expects %d", contactID, len(vector), z.vectorDim)
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(idField, []string{contactID}),
		entity.NewColumnFloatVector(vectorField, z.vectorDim, [][]float32{vector}),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}

	logger.Debug("Expertise vector stored", zap.String("contact_id", contactID))
	return nil
}

// DeleteVector removes a contact from the index.
func (z *Client) DeleteVector(ctx context.Context, contactID string) error {
	expr := fmt.Sprintf(`%s in ["%s"]`, idField, contactID)
	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

// SearchVectors returns up to topK contacts nearest to vector, best first.
func (z *Client) SearchVectors(ctx context.Context, vector []float32, topK int) ([]expertise.Hit, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		[]string{idField},
		[]entity.Vector{entity.FloatVector(vector)},
		vectorField,
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits, err := hitsFrom(results)
	if err != nil {
		return nil, err
	}

	logger.Debug("Vector search completed", zap.Int("topK", topK), zap.Int("results", len(hits)))
	return hits, nil
}

func hitsFrom(results []client.SearchResult) ([]expertise.Hit, error) {
	var hits []expertise.Hit
	for _, sr := range results {
		if sr.Err != nil {
			return nil, fmt.Errorf("search result error: %w", sr.Err)
		}
		for i := 0; i < sr.ResultCount; i++ {
			id, err := sr.IDs.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read contact id: %w", err)
			}
			hits = append(hits, expertise.Hit{ContactID: id, Score: sr.Scores[i]})
		}
	}
	return hits, nil
}

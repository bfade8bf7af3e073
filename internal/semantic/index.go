package semantic

import (
	"context"
	"fmt"
	"strconv"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/config"
	"github.com/yarnnn/yarnnn/internal/models"
)

const maxEmbeddingChars = 10000

// Index is a chroma-backed embedding index over content items. It is an
// optional acceleration layer: the content store works without it, and all
// index writes are best-effort.
type Index struct {
	client     chroma.Client
	collection chroma.Collection
	logger     *zap.Logger
}

func NewIndex(cfg *config.SemanticConfig, logger *zap.Logger) (*Index, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("semantic index requires an api key")
	}

	var client chroma.Client
	var err error
	if cfg.Database != "" && cfg.Tenant != "" {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.APIKey),
			chroma.WithDatabaseAndTenant(cfg.Database, cfg.Tenant),
		)
	} else {
		client, err = chroma.NewHTTPClient(
			chroma.WithBaseURL(chroma.ChromaCloudEndpoint),
			chroma.WithCloudAPIKey(cfg.APIKey),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}

	collection, err := client.GetOrCreateCollection(context.Background(), cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	logger.Info("Semantic index initialized", zap.String("collection", cfg.Collection))

	return &Index{
		client:     client,
		collection: collection,
		logger:     logger,
	}, nil
}

// Add upserts the embedding for one stored item, keyed by its row ID so
// re-syncs never duplicate documents.
func (i *Index) Add(ctx context.Context, item *models.ContentItem) error {
	text := item.Content
	if len(text) > maxEmbeddingChars {
		text = text[:maxEmbeddingChars]
	}

	metadata, err := chroma.NewDocumentMetadataFromMap(map[string]interface{}{
		"user_id":  item.UserID,
		"platform": string(item.Platform),
		"resource": item.ResourceID,
	})
	if err != nil {
		return fmt.Errorf("failed to create metadata: %w", err)
	}

	err = i.collection.Upsert(ctx,
		chroma.WithIDs(docID(item.ID)),
		chroma.WithMetadatas(metadata),
		chroma.WithTexts(text),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// Search returns store row IDs ranked by similarity, scoped to one user.
func (i *Index) Search(ctx context.Context, userID, query string, limit int) ([]uint, error) {
	results, err := i.collection.Query(ctx,
		chroma.WithQueryTexts(query),
		chroma.WithNResults(limit),
		chroma.WithWhereQuery(chroma.EqString("user_id", userID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	if results == nil || results.CountGroups() == 0 {
		return nil, nil
	}

	idGroups := results.GetIDGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(idGroups[0]))
	for _, id := range idGroups[0] {
		parsed, err := strconv.ParseUint(string(id), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, uint(parsed))
	}
	return ids, nil
}

// Remove evicts embeddings for deleted rows.
func (i *Index) Remove(ctx context.Context, itemIDs []uint) error {
	if len(itemIDs) == 0 {
		return nil
	}
	docIDs := make([]chroma.DocumentID, 0, len(itemIDs))
	for _, id := range itemIDs {
		docIDs = append(docIDs, docID(id))
	}
	if err := i.collection.Delete(ctx, chroma.WithIDsDelete(docIDs...)); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

func docID(id uint) chroma.DocumentID {
	return chroma.DocumentID(strconv.FormatUint(uint64(id), 10))
}

package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/assetledger/config"
	"example.com/backstage/services/assetledger/internal/domain"
)

// Index names, before the configured prefix is applied.
const (
	AssetEventsIndex      = "asset-events"
	AssetProjectionsIndex = "asset-projections"
)

// NewElasticsearchClient creates a client and checks the connection.
func NewElasticsearchClient(cfg config.Config) (*elasticsearch.Client, error) {
	elasticCfg := elasticsearch.Config{
		Addresses: []string{cfg.ElasticSearchURL},
		Username:  cfg.ElasticSearchUsername,
		Password:  cfg.ElasticSearchPassword,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}

	client, err := elasticsearch.NewClient(elasticCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// EnsureIndices creates the ledger indices that do not exist yet.
func EnsureIndices(client *elasticsearch.Client, cfg config.Config) error {
	for _, index := range []string{AssetEventsIndex, AssetProjectionsIndex} {
		formatted := config.FormatIndex(cfg, index)

		res, err := client.Indices.Exists([]string{formatted})
		if err != nil {
			return fmt.Errorf("error checking if index %s exists: %w", formatted, err)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			continue
		}

		log.Info().Msgf("Creating index %s", formatted)
		res, err = client.Indices.Create(formatted)
		if err != nil {
			return fmt.Errorf("error creating index %s: %w", formatted, err)
		}
		res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("error creating index %s: %s", formatted, res.String())
		}
	}
	return nil
}

// Indexer mirrors events and projections into Elasticsearch for search.
// Documents are keyed by event id and asset id, so re-delivery overwrites.
type Indexer struct {
	client *elasticsearch.Client
	cfg    config.Config
}

func NewIndexer(client *elasticsearch.Client, cfg config.Config) *Indexer {
	return &Indexer{client: client, cfg: cfg}
}

// IndexEvent stores the event envelope under its event id.
func (i *Indexer) IndexEvent(ctx context.Context, e domain.Event) error {
	return i.put(ctx, AssetEventsIndex, e.EventID, e)
}

// IndexProjection stores the projection under its asset id.
func (i *Indexer) IndexProjection(ctx context.Context, p domain.Projection) error {
	return i.put(ctx, AssetProjectionsIndex, p.AssetID, p)
}

func (i *Indexer) put(ctx context.Context, index, id string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	formatted := config.FormatIndex(i.cfg, index)
	res, err := i.client.Index(
		formatted,
		bytes.NewReader(body),
		i.client.Index.WithDocumentID(id),
		i.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index %s in %s: %w", id, formatted, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index %s in %s: %s", id, formatted, res.String())
	}
	return nil
}

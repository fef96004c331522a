package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"github.com/pistobot/neoscratch/pkg/session"
)

var DebugLog func(string, ...interface{})

const DefaultIndex = "neoscratch_samples"

type Config struct {
	URL      string
	Username string
	Password string
	Index    string
}

type Client struct {
	es    *es8.Client
	index string
}

// SampleDocument is one generated text as stored in the index.
type SampleDocument struct {
	RunName           string    `json:"run_name"`
	Backend           string    `json:"backend"`
	Position          int       `json:"position"`
	Text              string    `json:"text"`
	Prompt            string    `json:"prompt"`
	Seed              int64     `json:"seed"`
	MaxLength         int       `json:"max_length"`
	Temperature       float64   `json:"temperature"`
	TopP              float64   `json:"top_p"`
	RepetitionPenalty float64   `json:"repetition_penalty"`
	NumBeams          int       `json:"num_beams"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// ID makes re-indexing the same run idempotent.
func (d SampleDocument) ID() string {
	return fmt.Sprintf("%s-%d", d.RunName, d.Position)
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("elasticsearch URL is required")
	}
	index := cfg.Index
	if strings.TrimSpace(index) == "" {
		index = DefaultIndex
	}

	es, err := es8.NewClient(es8.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: session.Transport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := es.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %s", res.Status())
	}

	return &Client{es: es, index: index}, nil
}

func (c *Client) Index() string {
	return c.index
}

// IndexSamples bulk-indexes docs and reports how many were stored.
func (c *Client) IndexSamples(ctx context.Context, docs []SampleDocument) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:     c.es,
		Index:      c.index,
		NumWorkers: 2,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var mu sync.Mutex
	var failures []string
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			bi.Close(ctx)
			return 0, fmt.Errorf("failed to encode sample %s: %w", doc.ID(), err)
		}
		item := esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: doc.ID(),
			Body:       bytes.NewReader(body),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, resp esutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures = append(failures, fmt.Sprintf("%s: %v", item.DocumentID, err))
					return
				}
				failures = append(failures, fmt.Sprintf("%s: %s", item.DocumentID, resp.Error.Reason))
			},
		}
		if err := bi.Add(ctx, item); err != nil {
			bi.Close(ctx)
			return 0, fmt.Errorf("bulk add failed: %w", err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return 0, fmt.Errorf("bulk indexer close failed: %w", err)
	}

	stats := bi.Stats()
	if DebugLog != nil {
		DebugLog("indexed %d/%d samples into %s", stats.NumIndexed, len(docs), c.index)
	}
	if len(failures) > 0 {
		return int(stats.NumIndexed), fmt.Errorf("%d samples failed to index: %s", len(failures), strings.Join(failures, "; "))
	}
	return int(stats.NumIndexed), nil
}

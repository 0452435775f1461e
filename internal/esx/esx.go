// Package esx indexes completed session summaries in Elasticsearch and
// searches them.
package esx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	es8 "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"formpulse/internal/config"
)

type Client = es8.Client

func Open(cfg *config.Config) (*Client, func(), error) {
	addrs := cfg.ESAddrs()
	if len(addrs) == 0 {
		return nil, func() {}, nil
	}
	es, err := es8.NewClient(es8.Config{Addresses: addrs, Username: cfg.ES.Username, Password: cfg.ES.Password})
	if err != nil {
		return nil, func() {}, err
	}
	return es, func() {}, nil
}

// SessionDoc is the searchable summary of one session.
type SessionDoc struct {
	ID              string     `json:"id"`
	DocumentType    string     `json:"document_type,omitempty"`
	DocumentID      string     `json:"document_id,omitempty"`
	Completed       bool       `json:"completed"`
	IsReturning     bool       `json:"is_returning"`
	FingerprintHash string     `json:"fingerprint_hash,omitempty"`
	Country         string     `json:"country,omitempty"`
	City            string     `json:"city,omitempty"`
	ISP             string     `json:"isp,omitempty"`
	Org             string     `json:"org,omitempty"`
	TrafficSource   string     `json:"traffic_source,omitempty"`
	Referrer        string     `json:"referrer,omitempty"`
	UTMCampaign     string     `json:"utm_campaign,omitempty"`
	Device          string     `json:"device,omitempty"`
	Browser         string     `json:"browser,omitempty"`
	LastField       string     `json:"last_field,omitempty"`
	DurationMs      int64      `json:"duration_ms,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// SearchResult is one page of hits.
type SearchResult struct {
	Total int          `json:"total"`
	Hits  []SessionDoc `json:"hits"`
}

// SessionIndex binds a client to an index name. A nil client turns every
// call into a no-op.
type SessionIndex struct {
	es    *Client
	index string
}

func NewSessionIndex(es *Client, index string) *SessionIndex {
	return &SessionIndex{es: es, index: index}
}

func (x *SessionIndex) Enabled() bool { return x != nil && x.es != nil }

func (x *SessionIndex) IndexSession(ctx context.Context, doc SessionDoc) error {
	if !x.Enabled() {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	res, err := x.es.Index(x.index, bytes.NewReader(b),
		x.es.Index.WithContext(ctx),
		x.es.Index.WithDocumentID(doc.ID))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return fmtError(res)
	}
	return nil
}

// DeleteSession removes a summary. A missing document is not an error.
func (x *SessionIndex) DeleteSession(ctx context.Context, id string) error {
	if !x.Enabled() {
		return nil
	}
	res, err := x.es.Delete(x.index, id, x.es.Delete.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest && res.StatusCode != http.StatusNotFound {
		return fmtError(res)
	}
	return nil
}

// SearchSessions runs a multi_match over the text fields.
func (x *SessionIndex) SearchSessions(ctx context.Context, query string, from, size int) (SearchResult, error) {
	out := SearchResult{Hits: []SessionDoc{}}
	if !x.Enabled() {
		return out, nil
	}
	q := map[string]any{
		"query": map[string]any{"multi_match": map[string]any{
			"query":  query,
			"fields": []string{"country^2", "city", "isp", "org^2", "traffic_source", "referrer", "utm_campaign", "document_type", "last_field"},
		}},
		"sort": []any{map[string]any{"started_at": "desc"}},
	}
	b, err := json.Marshal(q)
	if err != nil {
		return out, err
	}
	res, err := x.es.Search(
		x.es.Search.WithContext(ctx),
		x.es.Search.WithIndex(x.index),
		x.es.Search.WithBody(bytes.NewReader(b)),
		x.es.Search.WithFrom(from),
		x.es.Search.WithSize(size),
	)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return out, fmtError(res)
	}
	var raw struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
			Hits []struct {
				Source SessionDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return out, fmt.Errorf("es decode: %w", err)
	}
	out.Total = raw.Hits.Total.Value
	for _, h := range raw.Hits.Hits {
		out.Hits = append(out.Hits, h.Source)
	}
	return out, nil
}

func fmtError(res *esapi.Response) error { return fmt.Errorf("es error: %s", res.String()) }

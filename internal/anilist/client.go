// Package anilist is the external metadata gateway: a small GraphQL client
// for the AniList relation graph.
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"animebot/internal/observability/metrics"
	logx "animebot/pkg/logx"
)

const DefaultEndpoint = "https://graphql.anilist.co"

// Kind is the AniList media type.
type Kind string

const (
	KindAnime Kind = "ANIME"
	KindManga Kind = "MANGA"
)

// Release statuses that make a related entry worth announcing.
const (
	StatusReleasing      = "RELEASING"
	StatusNotYetReleased = "NOT_YET_RELEASED"
)

type Title struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
	Native  string `json:"native"`
}

// Preferred returns the english title, then romaji, then native.
func (t Title) Preferred() string {
	for _, s := range []string{t.English, t.Romaji, t.Native} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

type Media struct {
	ID     int64  `json:"id"`
	Type   Kind   `json:"type"`
	Title  Title  `json:"title"`
	Status string `json:"status"`
}

// Releasing reports whether the entry is airing/publishing or announced.
func (m Media) Releasing() bool {
	return m.Status == StatusReleasing || m.Status == StatusNotYetReleased
}

// Relation is one outgoing edge of a media entry.
type Relation struct {
	Type   string `json:"relationType"`
	Target Media  `json:"node"`
}

// ServiceError reports a failed lookup. Callers skip the content id for
// this cycle.
type ServiceError struct {
	ContentID int64
	Status    int // HTTP status; 0 when the request never got a response
	Err       error
}

func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("anilist %d: http %d: %v", e.ContentID, e.Status, e.Err)
	}
	return fmt.Sprintf("anilist %d: %v", e.ContentID, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

type Config struct {
	Endpoint string
	Timeout  time.Duration
	// RatePerMin caps outgoing requests. AniList allows 90 per minute.
	RatePerMin int
}

type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 60
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60), 1),
		log:        log.With(logx.String("comp", "anilist")),
	}
}

const relationsQuery = `query ($id: Int, $type: MediaType) {
  Media(id: $id, type: $type) {
    relations {
      edges {
        relationType
        node { id type status title { romaji english native } }
      }
    }
  }
}`

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type relationsResponse struct {
	Data struct {
		Media *struct {
			Relations struct {
				Edges []Relation `json:"edges"`
			} `json:"relations"`
		} `json:"Media"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

// Relations returns the outgoing relation edges of contentID.
func (c *Client) Relations(ctx context.Context, contentID int64, kind Kind) ([]Relation, error) {
	fail := func(status int, err error, result string) ([]Relation, error) {
		metrics.MetadataRequests.WithLabelValues(result).Inc()
		return nil, &ServiceError{ContentID: contentID, Status: status, Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fail(0, err, "canceled")
	}

	body, err := json.Marshal(gqlRequest{Query: relationsQuery, Variables: map[string]any{"id": contentID, "type": kind}})
	if err != nil {
		return fail(0, fmt.Errorf("marshaling request: %w", err), "error")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fail(0, fmt.Errorf("creating request: %w", err), "error")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(0, err, "transport")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("reading response: %w", err), "transport")
	}
	var out relationsResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && len(out.Errors) > 0 {
			msg = out.Errors[0].Message
		}
		return fail(resp.StatusCode, errors.New(msg), "http_error")
	}
	if decodeErr != nil {
		return fail(resp.StatusCode, fmt.Errorf("decoding response: %w", decodeErr), "decode_error")
	}
	if len(out.Errors) > 0 {
		return fail(resp.StatusCode, errors.New(out.Errors[0].Message), "graphql_error")
	}
	if out.Data.Media == nil {
		return fail(resp.StatusCode, errors.New("media not found"), "not_found")
	}

	metrics.MetadataRequests.WithLabelValues("ok").Inc()
	edges := out.Data.Media.Relations.Edges
	c.log.Debug("relations fetched", logx.Int64("id", contentID), logx.String("kind", string(kind)), logx.Int("edges", len(edges)))
	return edges, nil
}

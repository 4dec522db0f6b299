package attributes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher retrieves the attribute document for one asset.
type Fetcher interface {
	Fetch(ctx context.Context, tokenID string, serialNumber int64) (map[string]string, error)
}

// HTTPFetcher reads attribute documents from the registry service.
type HTTPFetcher struct {
	baseURL string
	http    *http.Client
}

func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, tokenID string, serialNumber int64) (map[string]string, error) {
	path := fmt.Sprintf("%s/v1/tokens/%s/serials/%d/attributes", f.baseURL, url.PathEscape(tokenID), serialNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("build attribute request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch attributes %s/%d: %w", tokenID, serialNumber, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch attributes %s/%d: status %d", tokenID, serialNumber, resp.StatusCode)
	}
	var body struct {
		Attributes map[string]string `json:"attributes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode attributes %s/%d: %w", tokenID, serialNumber, err)
	}
	return body.Attributes, nil
}

// Loader drains the load queue on a fixed interval.
type Loader struct {
	store     *Store
	fetcher   Fetcher
	interval  time.Duration
	batchSize int
	logger    *log.Logger
}

func NewLoader(store *Store, fetcher Fetcher, interval time.Duration, batchSize int, logger *log.Logger) *Loader {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{store: store, fetcher: fetcher, interval: interval, batchSize: batchSize, logger: logger}
}

// Run drains until ctx is cancelled.
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce claims one batch of tasks and loads them. A failed load releases
// its task for a later pass.
func (l *Loader) RunOnce(ctx context.Context) {
	tasks, err := l.store.Claim(ctx, l.batchSize)
	if err != nil {
		l.logger.Printf("attributes: claim tasks: %v", err)
		return
	}
	loaded := 0
	for _, task := range tasks {
		attrs, err := l.fetcher.Fetch(ctx, task.TokenID, task.SerialNumber)
		if err != nil {
			l.logger.Printf("attributes: load %s/%d: %v", task.TokenID, task.SerialNumber, err)
			if relErr := l.store.Release(ctx, task.ID); relErr != nil {
				l.logger.Printf("attributes: release task %d: %v", task.ID, relErr)
			}
			continue
		}
		if err := l.store.Save(ctx, task.TokenID, task.SerialNumber, attrs); err != nil {
			l.logger.Printf("attributes: save %s/%d: %v", task.TokenID, task.SerialNumber, err)
			if relErr := l.store.Release(ctx, task.ID); relErr != nil {
				l.logger.Printf("attributes: release task %d: %v", task.ID, relErr)
			}
			continue
		}
		if err := l.store.Complete(ctx, task.ID); err != nil {
			l.logger.Printf("attributes: complete task %d: %v", task.ID, err)
			continue
		}
		loaded++
	}
	if len(tasks) > 0 {
		l.logger.Printf("attributes: loaded %d of %d claimed tasks", loaded, len(tasks))
	}
}

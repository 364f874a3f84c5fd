package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Harvey-AU/green-carpenter-bee/internal/dedup"
	"github.com/Harvey-AU/green-carpenter-bee/internal/retry"
)

// ExecutorFunc executes one task attempt. inputs holds the outputs of the
// task's satisfied dependencies, keyed by task id. The returned map becomes
// the task's output, visible to dependents and condition predicates.
type ExecutorFunc func(ctx context.Context, def *TaskDefinition, inputs map[string]map[string]any) (map[string]any, error)

// ExecutorRegistry maps task config types to their executors.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]ExecutorFunc)}
}

// Register adds an executor for a task config type.
func (r *ExecutorRegistry) Register(taskType string, fn ExecutorFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[taskType]; exists {
		return fmt.Errorf("executor %q already registered", taskType)
	}
	r.executors[taskType] = fn
	return nil
}

// Get retrieves the executor for a task config type.
func (r *ExecutorRegistry) Get(taskType string) (ExecutorFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, exists := r.executors[taskType]
	if !exists {
		return nil, fmt.Errorf("executor %q not found", taskType)
	}
	return fn, nil
}

// NewDefaultRegistry creates a registry with the built-in executors
// registered: http_fetch, transform and store.
func NewDefaultRegistry(client *http.Client) *ExecutorRegistry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	r := NewExecutorRegistry()
	r.executors["http_fetch"] = httpFetchExecutor(client)
	r.executors["transform"] = transformExecutor
	r.executors["store"] = storeExecutor
	return r
}

// maxFetchBody caps how much of a response body is read for hashing.
const maxFetchBody = 10 << 20

// httpFetchExecutor fetches a URL and exposes status, size and the content
// hash as output. 4xx responses are permanent failures; 5xx are transient.
func httpFetchExecutor(client *http.Client) ExecutorFunc {
	return func(ctx context.Context, def *TaskDefinition, inputs map[string]map[string]any) (map[string]any, error) {
		cfg := def.Config.HTTPFetch
		if cfg == nil || cfg.URL == "" {
			return nil, retry.Permanent(fmt.Errorf("http_fetch task %q: url is required", def.ID))
		}

		method := cfg.Method
		if method == "" {
			method = http.MethodGet
		}

		req, err := http.NewRequestWithContext(ctx, method, cfg.URL, nil)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("http_fetch task %q: %w", def.ID, err))
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			// Network level failures retry with backoff.
			return nil, retry.Transient(fmt.Errorf("http_fetch task %q: %w", def.ID, err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("http_fetch task %q: reading body: %w", def.ID, err))
		}

		elapsed := time.Since(start)
		log.Debug().
			Str("task_id", def.ID).
			Str("url", cfg.URL).
			Int("status_code", resp.StatusCode).
			Dur("response_time", elapsed).
			Msg("Fetched target")

		output := map[string]any{
			"url":              cfg.URL,
			"status_code":      resp.StatusCode,
			"content_type":     resp.Header.Get("Content-Type"),
			"content_length":   len(body),
			"content_identity": dedup.ContentIdentity(body),
			"response_time_ms": elapsed.Milliseconds(),
		}

		switch {
		case resp.StatusCode >= 500:
			return output, retry.Transient(fmt.Errorf("http_fetch task %q: server returned %d", def.ID, resp.StatusCode))
		case resp.StatusCode >= 400:
			return output, retry.Permanent(fmt.Errorf("http_fetch task %q: server returned %d", def.ID, resp.StatusCode))
		}
		return output, nil
	}
}

// transformExecutor projects the configured keys out of dependency outputs.
// A key present in no dependency output is a permanent failure: the
// definition references data that will never arrive.
func transformExecutor(_ context.Context, def *TaskDefinition, inputs map[string]map[string]any) (map[string]any, error) {
	cfg := def.Config.Transform
	if cfg == nil || len(cfg.Pick) == 0 {
		return nil, retry.Permanent(fmt.Errorf("transform task %q: pick list is required", def.ID))
	}

	output := make(map[string]any, len(cfg.Pick))
	for _, key := range cfg.Pick {
		found := false
		for _, depOutput := range inputs {
			if v, ok := depOutput[key]; ok {
				output[key] = v
				found = true
				break
			}
		}
		if !found {
			return nil, retry.Permanent(fmt.Errorf("transform task %q: key %q not present in any dependency output", def.ID, key))
		}
	}
	return output, nil
}

// storeExecutor hands the merged dependency outputs to the external storage
// collaborator. The engine records only the handoff; the store itself is
// outside its boundary.
func storeExecutor(_ context.Context, def *TaskDefinition, inputs map[string]map[string]any) (map[string]any, error) {
	cfg := def.Config.Store
	if cfg == nil || cfg.Collection == "" {
		return nil, retry.Permanent(fmt.Errorf("store task %q: collection is required", def.ID))
	}

	merged := make(map[string]any)
	for _, depOutput := range inputs {
		for k, v := range depOutput {
			merged[k] = v
		}
	}

	log.Info().
		Str("task_id", def.ID).
		Str("collection", cfg.Collection).
		Int("fields", len(merged)).
		Msg("Stored task payload")

	return map[string]any{
		"stored":     true,
		"collection": cfg.Collection,
		"fields":     len(merged),
	}, nil
}

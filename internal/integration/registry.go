// Package integration submits canonical resources to outside systems such
// as the national patient registry. Callers treat every failure here as a
// warning.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minasoft/adt-gateway/internal/clinical"
)

// Resource is anything with a canonical reference.
type Resource interface {
	Ref() clinical.Ref
}

// Receipt is the registry's acknowledgment of a submission.
type Receipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client submits resources to an outside system.
type Client interface {
	Submit(ctx context.Context, r Resource) (*Receipt, error)
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Ref        clinical.Ref
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry rejected %s: http status %d: %s", e.Ref, e.StatusCode, e.Body)
}

// Registry posts resources as JSON to <baseURL>/<resource type>.
type Registry struct {
	baseURL string
	client  *http.Client
}

func NewRegistry(baseURL string, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *Registry) Submit(ctx context.Context, res Resource) (*Receipt, error) {
	ref := res.Ref()
	body, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ref, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/"+string(ref.Type), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Resource-Ref", ref.String())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", ref, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Ref: ref, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var receipt Receipt
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &receipt); err != nil {
			return nil, fmt.Errorf("decode registry receipt for %s: %w", ref, err)
		}
	}
	return &receipt, nil
}

// Nop accepts every submission without sending anything.
type Nop struct{}

func (Nop) Submit(context.Context, Resource) (*Receipt, error) {
	return &Receipt{Status: "skipped"}, nil
}

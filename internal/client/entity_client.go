package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/common/middleware"
	"github.com/pesio-ai/be-plt-approvals/internal/rules"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// EntityClient loads entity attributes from the module that owns the entity
// type. It calls GET <baseURL>/<entity_id> and expects a JSON object, either
// bare or wrapped as {"attributes": {...}}.
type EntityClient struct {
	baseURL string
	http    *http.Client
}

// NewEntityClient creates a client for one entity type's endpoint.
func NewEntityClient(baseURL string, timeout time.Duration) *EntityClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EntityClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// EntityAttributes implements service.AttributeSource. A 404 yields nil
// attributes, which the registry reports as NotFound.
func (c *EntityClient) EntityAttributes(ctx context.Context, entityType, entityID string) (rules.Attributes, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s lookup request: %w", entityType, err)
	}
	req.Header.Set("Accept", "application/json")
	if id := middleware.GetRequestID(ctx); id != "" {
		req.Header.Set(middleware.HeaderRequestID, id)
	}
	if actor := middleware.GetActor(ctx); actor != "" {
		req.Header.Set(middleware.HeaderActor, actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup %s %s: %w", entityType, entityID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("lookup %s %s: unexpected status %d", entityType, entityID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s lookup response: %w", entityType, err)
	}
	return decodeAttributes(body)
}

// decodeAttributes keeps numbers as json.Number so amounts keep their exact
// decimal value.
func decodeAttributes(body []byte) (rules.Attributes, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "entity lookup returned invalid JSON")
	}
	if inner, ok := raw["attributes"].(map[string]any); ok && len(raw) == 1 {
		raw = inner
	}
	return rules.Attributes(raw), nil
}

// RegisterEntitySources installs an EntityClient per configured entity type.
func RegisterEntitySources(reg *service.EntityRegistry, sources map[string]string, timeout time.Duration) {
	for entityType, base := range sources {
		reg.Register(entityType, NewEntityClient(base, timeout))
	}
}

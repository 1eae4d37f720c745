package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var errSubjectNotFound = errors.New("schema subject not found")

// SchemaRegistryClient talks to a Confluent Schema Registry. The dispatcher
// only needs two operations: look up the latest schema ID for a subject, and
// register the JSON schema when the subject does not exist yet.
type SchemaRegistryClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSchemaRegistryClient constructs a client with sane defaults.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	return &SchemaRegistryClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// EnsureSchema returns the schema ID for subject, registering schema on
// first use. Registry errors other than a missing subject are propagated
// rather than papered over with a re-register.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	id, err := c.latestID(ctx, subject)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errSubjectNotFound) {
		return 0, err
	}
	return c.register(ctx, subject, schema)
}

func (c *SchemaRegistryClient) latestID(ctx context.Context, subject string) (int, error) {
	url := fmt.Sprintf("%s/subjects/%s/versions/latest", c.baseURL, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	return c.schemaID(req)
}

func (c *SchemaRegistryClient) register(ctx context.Context, subject string, schema string) (int, error) {
	body, err := json.Marshal(map[string]any{
		"schemaType": "JSON",
		"schema":     schema,
	})
	if err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/subjects/%s/versions", c.baseURL, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")
	return c.schemaID(req)
}

func (c *SchemaRegistryClient) schemaID(req *http.Request) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, errSubjectNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("schema registry %s: status %d: %s", req.URL.Path, resp.StatusCode, data)
	}

	var payload struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	return payload.ID, nil
}

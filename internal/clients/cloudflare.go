package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ablqvist/slipway/internal/interfaces"
	"github.com/ablqvist/slipway/internal/logging"
)

const cloudflareAPIBase = "https://api.cloudflare.com/client/v4"

// CloudflareClient implements interfaces.ZoneClient against the Cloudflare
// v4 API.
type CloudflareClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     logging.Logger
}

// CloudflareOption tweaks client construction, mainly for tests.
type CloudflareOption func(*CloudflareClient)

// WithCloudflareBaseURL points the client at a different API endpoint.
func WithCloudflareBaseURL(base string) CloudflareOption {
	return func(c *CloudflareClient) { c.baseURL = base }
}

func NewCloudflareClient(apiToken string, logger logging.Logger, opts ...CloudflareOption) *CloudflareClient {
	c := &CloudflareClient{
		baseURL:    cloudflareAPIBase,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(logging.Field{Key: "component", Value: "cloudflare"}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type cfEnvelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

type cfZone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	NameServers []string `json:"name_servers"`
}

type cfRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

// do issues one API call and decodes the result payload into out.
func (c *CloudflareClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = &bytes.Buffer{}
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var req *http.Request
	var err error
	if reqBody != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloudflare request: %w", err)
	}
	defer resp.Body.Close()

	var env cfEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding cloudflare response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		if len(env.Errors) > 0 {
			return fmt.Errorf("cloudflare error %d: %s", env.Errors[0].Code, env.Errors[0].Message)
		}
		return fmt.Errorf("cloudflare request failed with HTTP %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding cloudflare result: %w", err)
		}
	}
	return nil
}

// GetZone looks up the zone by name. An empty id with nil error means the
// zone does not exist.
func (c *CloudflareClient) GetZone(ctx context.Context, domain string) (string, error) {
	var zones []cfZone
	path := "/zones?name=" + url.QueryEscape(domain)
	if err := c.do(ctx, http.MethodGet, path, nil, &zones); err != nil {
		return "", err
	}
	if len(zones) == 0 {
		return "", nil
	}
	return zones[0].ID, nil
}

func (c *CloudflareClient) CreateZone(ctx context.Context, domain string) (string, error) {
	var zone cfZone
	body := map[string]any{"name": domain, "jump_start": false}
	if err := c.do(ctx, http.MethodPost, "/zones", body, &zone); err != nil {
		return "", err
	}
	c.logger.Info("zone created",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "zone_id", Value: zone.ID})
	return zone.ID, nil
}

func (c *CloudflareClient) ListRecords(ctx context.Context, zoneID, recordType string) ([]interfaces.DNSRecord, error) {
	path := fmt.Sprintf("/zones/%s/dns_records?per_page=100", zoneID)
	if recordType != "" {
		path += "&type=" + url.QueryEscape(recordType)
	}
	var raw []cfRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	records := make([]interfaces.DNSRecord, 0, len(raw))
	for _, r := range raw {
		records = append(records, interfaces.DNSRecord{
			ID: r.ID, Type: r.Type, Name: r.Name, Content: r.Content, TTL: r.TTL, Proxied: r.Proxied,
		})
	}
	return records, nil
}

func (c *CloudflareClient) CreateRecord(ctx context.Context, zoneID string, rec interfaces.DNSRecord) error {
	body := cfRecord{Type: rec.Type, Name: rec.Name, Content: rec.Content, TTL: rec.TTL, Proxied: rec.Proxied}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/zones/%s/dns_records", zoneID), body, nil)
}

func (c *CloudflareClient) UpdateRecord(ctx context.Context, zoneID string, rec interfaces.DNSRecord) error {
	body := cfRecord{Type: rec.Type, Name: rec.Name, Content: rec.Content, TTL: rec.TTL, Proxied: rec.Proxied}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, rec.ID), body, nil)
}

func (c *CloudflareClient) GetNameservers(ctx context.Context, zoneID string) ([]string, error) {
	var zone cfZone
	if err := c.do(ctx, http.MethodGet, "/zones/"+zoneID, nil, &zone); err != nil {
		return nil, err
	}
	return zone.NameServers, nil
}

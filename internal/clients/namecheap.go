package clients

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ablqvist/slipway/internal/logging"
)

const namecheapAPIBase = "https://api.namecheap.com/xml.response"

// NamecheapConfig holds the registrar API credentials. ClientIP must be the
// address whitelisted in the Namecheap account.
type NamecheapConfig struct {
	APIUser  string
	APIKey   string
	Username string
	ClientIP string

	// BaseURL overrides the production endpoint, mainly for tests.
	BaseURL string
}

// NamecheapClient implements interfaces.RegistrarClient over the Namecheap
// XML API.
type NamecheapClient struct {
	cfg        NamecheapConfig
	httpClient *http.Client
	logger     logging.Logger
}

func NewNamecheapClient(cfg NamecheapConfig, logger logging.Logger) *NamecheapClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = namecheapAPIBase
	}
	if cfg.Username == "" {
		cfg.Username = cfg.APIUser
	}
	return &NamecheapClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With(logging.Field{Key: "component", Value: "namecheap"}),
	}
}

type ncResponse struct {
	XMLName xml.Name `xml:"ApiResponse"`
	Status  string   `xml:"Status,attr"`
	Errors  struct {
		Errors []struct {
			Number  string `xml:"Number,attr"`
			Message string `xml:",chardata"`
		} `xml:"Error"`
	} `xml:"Errors"`
}

// splitDomain separates a registrable domain into its SLD and TLD parts, as
// the API wants them. Multi-label TLDs (co.uk) come out as the full suffix.
func splitDomain(domain string) (sld, tld string, err error) {
	parts := strings.SplitN(domain, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("domain %q is not registrable", domain)
	}
	return parts[0], parts[1], nil
}

// SetNameservers delegates the domain to the given nameservers via
// namecheap.domains.dns.setCustom.
func (n *NamecheapClient) SetNameservers(ctx context.Context, domain string, nameservers []string) error {
	sld, tld, err := splitDomain(domain)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("ApiUser", n.cfg.APIUser)
	params.Set("ApiKey", n.cfg.APIKey)
	params.Set("UserName", n.cfg.Username)
	params.Set("ClientIp", n.cfg.ClientIP)
	params.Set("Command", "namecheap.domains.dns.setCustom")
	params.Set("SLD", sld)
	params.Set("TLD", tld)
	params.Set("Nameservers", strings.Join(nameservers, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.cfg.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("namecheap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading namecheap response: %w", err)
	}

	apiErr, err := parseNamecheapResponse(body)
	if err != nil {
		return fmt.Errorf("parsing namecheap response: %w", err)
	}
	if apiErr != "" {
		return fmt.Errorf("namecheap: %s", apiErr)
	}

	n.logger.Info("nameservers delegated",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "nameservers", Value: strings.Join(nameservers, ",")})
	return nil
}

// parseNamecheapResponse returns the first API error message, or empty when
// the call succeeded.
func parseNamecheapResponse(body []byte) (apiErr string, err error) {
	var resp ncResponse
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if strings.EqualFold(resp.Status, "OK") {
		return "", nil
	}
	if len(resp.Errors.Errors) > 0 {
		e := resp.Errors.Errors[0]
		return fmt.Sprintf("error %s: %s", e.Number, strings.TrimSpace(e.Message)), nil
	}
	return fmt.Sprintf("request returned status %q", resp.Status), nil
}

package emulatorv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type respBody struct {
	PNR         string    `json:"pnr"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	TravelDate  string    `json:"travel_date"`
	StatusText  string    `json:"status_text"`
	Retired     bool      `json:"retired"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *Client) FetchStatus(ctx context.Context, pnr string) (models.Snapshot, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "parse base url")
	}
	u.Path = fmt.Sprintf("/v1/pnr/%s", url.PathEscape(pnr))
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == 429 {
		return models.Snapshot{}, fmt.Errorf("pnr emulator rate limit (429)")
	}
	if resp.StatusCode/100 != 2 {
		return models.Snapshot{}, fmt.Errorf("pnr emulator http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "decode")
	}

	code := rb.PNR
	if code == "" {
		code = pnr
	}
	fetchedAt := rb.UpdatedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	return models.Snapshot{
		PNR:         code,
		Origin:      rb.Origin,
		Destination: rb.Destination,
		TravelDate:  rb.TravelDate,
		StatusText:  rb.StatusText,
		Retired:     rb.Retired,
		FetchedAt:   fetchedAt,
	}, nil
}

package enquiryhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/RailKite/PNRWatch/internal/models"
	"github.com/RailKite/PNRWatch/internal/pnrstatus"
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

type enquiryResp struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    struct {
		PNR           string `json:"pnr"`
		FromStation   string `json:"from_station"`
		ToStation     string `json:"to_station"`
		DOJ           string `json:"doj"`
		ChartPrepared bool   `json:"chart_prepared"`
		Passengers    []struct {
			Number        int    `json:"no"`
			BookingStatus string `json:"booking_status"`
			CurrentStatus string `json:"current_status"`
		} `json:"passengers"`
	} `json:"data"`
}

func (c *Client) FetchStatus(ctx context.Context, pnr string) (models.Snapshot, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/pnr-status.json.php"

	q := u.Query()
	q.Set("apiKey", c.apiKey)
	q.Set("pnr", pnr)
	q.Set("pretty", "true")
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

	if resp.StatusCode/100 != 2 {
		return models.Snapshot{}, fmt.Errorf("pnr enquiry http %d", resp.StatusCode)
	}

	var r enquiryResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "decode")
	}
	if r.Status != "ok" {
		// Сброшенный после поездки PNR не ошибка: источник просто перестал его вести.
		if containsFlushedHint(r.Message) {
			return models.Snapshot{
				PNR:        pnr,
				StatusText: r.Message,
				Retired:    true,
				FetchedAt:  time.Now().UTC(),
			}, nil
		}
		return models.Snapshot{}, fmt.Errorf("pnr enquiry status=%s", r.Status)
	}

	// Простейшая нормализация: статус первого пассажира, подготовка чарта дописывается в текст.
	statusText := ""
	if len(r.Data.Passengers) > 0 {
		statusText = strings.TrimSpace(r.Data.Passengers[0].CurrentStatus)
	}
	if r.Data.ChartPrepared && !pnrstatus.IsChartPrepared(statusText) {
		if statusText == "" {
			statusText = "Chart Prepared"
		} else {
			statusText += ", Chart Prepared"
		}
	}

	code := r.Data.PNR
	if code == "" {
		code = pnr
	}

	return models.Snapshot{
		PNR:         code,
		Origin:      r.Data.FromStation,
		Destination: r.Data.ToStation,
		TravelDate:  r.Data.DOJ,
		StatusText:  statusText,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

func containsFlushedHint(s string) bool {
	low := strings.ToLower(s)
	return strings.Contains(low, "flushed") || strings.Contains(low, "expired") || strings.Contains(low, "no record")
}

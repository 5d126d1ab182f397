package feedapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"

	"chartfeed/internal/model"
)

// HTTPError is a non-2xx reply from the historical endpoint. A 422 carries
// the vendor's availability horizon in AvailableEnd.
type HTTPError struct {
	StatusCode   int    `json:"-"`
	Message      string `json:"message"`
	AvailableEnd int64  `json:"available_end,omitempty"` // epoch ms
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("historical endpoint: status %d: %s", e.StatusCode, e.Message)
}

type histResponse struct {
	Bars []histBar `json:"bars"`
}

type histBar struct {
	TS     int64    `json:"t"`
	Open   *float64 `json:"o"`
	High   *float64 `json:"h"`
	Low    *float64 `json:"l"`
	Close  *float64 `json:"c"`
	Volume int64    `json:"v"`
}

// FetchHistorical returns closed 1-minute bars for [startMs, endMs], tagged
// source 'H' and sorted ascending. An empty window is not an error. A 422
// carrying available_end clamps the window to it and retries exactly once;
// any other failure is surfaced.
func (c *Client) FetchHistorical(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	bars, err := c.fetchHistOnce(ctx, instrument, startMs, endMs)
	if err == nil {
		return bars, nil
	}
	var he *HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusUnprocessableEntity && he.AvailableEnd > 0 {
		log.Printf("[feedapi] hist %s: end %d beyond availability, clamping to %d",
			instrument, endMs, he.AvailableEnd)
		c.noteRetry("hist_clamp")
		return c.fetchHistOnce(ctx, instrument, startMs, he.AvailableEnd)
	}
	return nil, err
}

func (c *Client) fetchHistOnce(ctx context.Context, instrument string, startMs, endMs int64) ([]model.Bar, error) {
	u := fmt.Sprintf("%s/v1/bars?symbol=%s&schema=%s&start=%d&end=%d",
		c.HistURL, url.QueryEscape(instrument), SchemaBars1m, startMs, endMs)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build hist request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hist request %s: %w", instrument, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		he := &HTTPError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(he); err != nil || he.Message == "" {
			he.Message = resp.Status
		}
		return nil, he
	}

	var hr histResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, fmt.Errorf("decode hist response %s: %w", instrument, err)
	}

	bars := make([]model.Bar, 0, len(hr.Bars))
	nulls := 0
	for _, hb := range hr.Bars {
		if hb.Open == nil || hb.High == nil || hb.Low == nil || hb.Close == nil {
			nulls++
			continue
		}
		bars = append(bars, model.Bar{
			Instrument: instrument,
			Timeframe:  "1m",
			TS:         hb.TS,
			Open:       hb.Open,
			High:       hb.High,
			Low:        hb.Low,
			Close:      hb.Close,
			Volume:     hb.Volume,
			Source:     model.SourceHistorical,
			IsClosed:   true,
		})
	}
	if nulls > 0 {
		log.Printf("[feedapi] hist %s: dropped %d null bars", instrument, nulls)
	}
	return bars, nil
}

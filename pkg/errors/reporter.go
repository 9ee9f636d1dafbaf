// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Reporter forwards fatal or unexpected errors to an external collector.
type Reporter interface {
	Report(ctx context.Context, err error, attrs map[string]string)
}

// NopReporter discards every report.
type NopReporter struct{}

var _ Reporter = NopReporter{}

func (NopReporter) Report(context.Context, error, map[string]string) {}

// maxInFlightReports bounds concurrent deliveries; reports beyond it are dropped.
const maxInFlightReports = 4

// HTTPReporter posts reports as JSON to a fixed URL.
type HTTPReporter struct {
	url      string
	region   string
	client   *http.Client
	logger   *slog.Logger
	inflight chan struct{}
}

var _ Reporter = (*HTTPReporter)(nil)

type report struct {
	Message string            `json:"message"`
	Region  string            `json:"region"`
	Time    time.Time         `json:"time"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// NewHTTPReporter creates a reporter posting to url.
func NewHTTPReporter(url, region string, logger *slog.Logger) *HTTPReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPReporter{
		url:      url,
		region:   region,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		inflight: make(chan struct{}, maxInFlightReports),
	}
}

// Report sends err in the background. Delivery failures are logged only.
// While maxInFlightReports deliveries are pending, new reports are dropped.
func (r *HTTPReporter) Report(ctx context.Context, err error, attrs map[string]string) {
	if err == nil {
		return
	}
	body, mErr := json.Marshal(report{
		Message: err.Error(),
		Region:  r.region,
		Time:    time.Now().UTC(),
		Attrs:   attrs,
	})
	if mErr != nil {
		return
	}

	select {
	case r.inflight <- struct{}{}:
	default:
		r.logger.Debug("error report dropped",
			slog.String("url", r.url),
			slog.String("error", err.Error()))
		return
	}

	go func() {
		defer func() { <-r.inflight }()
		if sErr := r.send(context.WithoutCancel(ctx), body); sErr != nil {
			r.logger.Debug("error report not delivered",
				slog.String("url", r.url),
				slog.String("error", sErr.Error()))
		}
	}()
}

func (r *HTTPReporter) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

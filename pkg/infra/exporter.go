package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Exporter forwards commit events to an analytics endpoint. Exports run in
// the background and failures are only logged.
type Exporter struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *log.Logger
	wg      sync.WaitGroup
}

func NewExporter(config ExporterConfig, logger *log.Logger) *Exporter {
	return &Exporter{
		url:     config.URL,
		timeout: config.Timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

func (e *Exporter) Export(event *Event) {
	body, err := json.Marshal(event)
	if err != nil {
		e.logger.Errorf("Fail to marshal exported event: %v", err)
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
		if err != nil {
			e.logger.Errorf("Failed to export due to error: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Errorf("Failed to export due to error: %v", err)
			return
		}
		resp.Body.Close()
		e.logger.Debugf("Exported %s, status code %d", event.Transaction.TxID, resp.StatusCode)
	}()
}

// Wait blocks until every pending export has finished
func (e *Exporter) Wait() {
	e.wg.Wait()
}

package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	msgpack "github.com/vmihailenco/msgpack/v5"

	"github.com/corviddb/corvid/internal/corvidlog"
)

// Shipper POSTs batches to a peer's replication endpoints (spec §4.6/§6).
type Shipper struct {
	httpClient *http.Client
	ourURL     string
}

// NewShipper builds a shipper identifying itself as ourURL on every call.
func NewShipper(ourURL string, timeout time.Duration) *Shipper {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Shipper{httpClient: &http.Client{Timeout: timeout}, ourURL: ourURL}
}

// shipErrorBody is the shape of an error response per spec §4.6: "If the
// response body is a JSON object with an Error field, that text is
// extracted".
type shipErrorBody struct {
	Error string `json:"Error"`
}

// ShipDocuments POSTs a doc batch to /replication/replicateDocs as JSON
// (spec §4.6). It returns nil on success; on failure the error text is the
// peer's Error field, its raw response body, or the transport error.
func (s *Shipper) ShipDocuments(ctx context.Context, d Destination, records []Record) error {
	body, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.post(ctx, d, "/replication/replicateDocs", "application/json", body, nil)
}

// ShipAttachments POSTs an attachment batch to
// /replication/replicateAttachments as msgpack (the spec's BSON wire
// shape, §6), with an Attachment-Ids header for server-side dedup/logging.
func (s *Shipper) ShipAttachments(ctx context.Context, d Destination, records []AttachmentRecord) error {
	body, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	headers := map[string]string{"Attachment-Ids": strings.Join(ids, ", ")}

	return s.post(ctx, d, "/replication/replicateAttachments", "application/x-msgpack", body, headers)
}

func (s *Shipper) post(ctx context.Context, d Destination, path, contentType string, body []byte, headers map[string]string) error {
	q := url.Values{"from": {s.ourURL}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.EffectiveURL()+path+"?"+q, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	applyCredentials(req, d.Credentials)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		corvidlog.Warn("failed to ship to %s%s: %v", d.Key(), path, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return shipError(resp.Body, resp.StatusCode)
}

func shipError(body io.Reader, statusCode int) error {
	raw, _ := io.ReadAll(body)

	var parsed shipErrorBody
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != "" {
		return errStatus(statusCode, parsed.Error)
	}
	return errStatus(statusCode, string(raw))
}

func errStatus(statusCode int, text string) error {
	if text == "" {
		text = http.StatusText(statusCode)
	}
	return &shipStatusError{statusCode: statusCode, text: text}
}

type shipStatusError struct {
	statusCode int
	text       string
}

func (e *shipStatusError) Error() string { return e.text }

package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/corviddb/corvid/etag"
	"github.com/corviddb/corvid/internal/corvidlog"
)

// DefaultHTTPTimeout is the default timeout for outbound replication HTTP
// calls (spec §4.6: "configurable ... default 60s").
const DefaultHTTPTimeout = 60 * time.Second

// CursorClient makes the small HTTP control calls described in spec §4.4:
// fetching a peer's view of our replication progress, and pushing our
// cursor forward when nothing passed the destination filter.
type CursorClient struct {
	httpClient *http.Client
	ourURL     string
	storageID  string
}

// NewCursorClient builds a client identifying itself as ourURL/storageID on
// every call (spec §6: "from", "dbid").
func NewCursorClient(ourURL, storageID string, timeout time.Duration) *CursorClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &CursorClient{
		httpClient: &http.Client{Timeout: timeout},
		ourURL:     ourURL,
		storageID:  storageID,
	}
}

// FetchRemoteCursor performs GET {destination}/replication/lastEtag (spec
// §4.4). It returns nil on any error; the caller treats nil as "skip this
// destination this cycle".
func (c *CursorClient) FetchRemoteCursor(ctx context.Context, d Destination, currentEtag etag.Etag) *SourceReplicationInformation {
	q := url.Values{}
	q.Set("from", c.ourURL)
	q.Set("currentEtag", currentEtag.String())
	q.Set("dbid", c.storageID)

	reqURL := d.EffectiveURL() + "/replication/lastEtag?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		corvidlog.Error("failed to build lastEtag request for %s: %v", d.Key(), err)
		return nil
	}
	applyCredentials(req, d.Credentials)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		corvidlog.Warn("failed to fetch remote cursor from %s: %v", d.Key(), err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		corvidlog.Warn("%v: %s (status %d)", errPeerNotEnabled, d.Key(), resp.StatusCode)
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		corvidlog.Warn("unexpected status %d fetching remote cursor from %s", resp.StatusCode, d.Key())
		return nil
	}

	var info SourceReplicationInformation
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		corvidlog.Warn("failed to decode lastEtag response from %s: %v", d.Key(), err)
		return nil
	}
	return &info
}

// PushCursor performs PUT {destination}/replication/lastEtag (spec §4.4),
// advancing the peer's stored view of our progress when we skipped past
// filtered-out records without shipping anything. Errors are logged, not
// retried; the next cycle reissues (spec §4.4).
func (c *CursorClient) PushCursor(ctx context.Context, d Destination, docEtag, attachmentEtag *etag.Etag) error {
	q := url.Values{}
	q.Set("from", c.ourURL)
	q.Set("dbid", c.storageID)
	if docEtag != nil {
		q.Set("docEtag", docEtag.String())
	}
	if attachmentEtag != nil {
		q.Set("attachmentEtag", attachmentEtag.String())
	}

	reqURL := d.EffectiveURL() + "/replication/lastEtag?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqURL, nil)
	if err != nil {
		return errors.Wrap(err, "build pushCursor request")
	}
	applyCredentials(req, d.Credentials)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		corvidlog.Warn("failed to push cursor to %s: %v", d.Key(), err)
		return errors.Wrap(err, "push cursor")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := errors.New("unexpected status " + strconv.Itoa(resp.StatusCode))
		corvidlog.Warn("failed to push cursor to %s: %v", d.Key(), err)
		return err
	}
	return nil
}

// applyCredentials attaches the destination's credentials to an outbound
// request, ported from the teacher's api.Client header/basic-auth pattern.
func applyCredentials(req *http.Request, creds Credentials) {
	switch {
	case creds.APIKey != "":
		req.Header.Set("X-Api-Key", creds.APIKey)
	case creds.Username != "":
		req.SetBasicAuth(credentialsUsername(creds), creds.Password)
	}
}

func credentialsUsername(creds Credentials) string {
	if creds.Domain == "" {
		return creds.Username
	}
	return creds.Domain + "\\" + creds.Username
}

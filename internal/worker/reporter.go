package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"shout-server/internal/models"
)

// Reporter posts status updates to the API's callback endpoint. The token
// and all status fields go in the form body; the callback URL itself came
// with the dispatched message.
type Reporter struct {
	client *http.Client
	host   string
}

// NewReporter builds a reporter labeled with this machine's hostname.
func NewReporter() *Reporter {
	host, _ := os.Hostname()
	return &Reporter{
		client: &http.Client{Timeout: 10 * time.Second},
		host:   host,
	}
}

// Report posts one status event. For error/fatal the result argument
// carries the error message, matching the callback's form contract.
func (r *Reporter) Report(ctx context.Context, postURL, token string, status models.Status, result string) error {
	form := url.Values{
		"token":  {token},
		"status": {status.String()},
		"result": {result},
		"host":   {r.host},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build status report: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status %s: %w", status, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post status %s: callback returned %d", status, resp.StatusCode)
	}
	return nil
}

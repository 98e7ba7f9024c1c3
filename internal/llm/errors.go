package llm

import "fmt"

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("llm: HTTP %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Temporary reports whether the status is one a user could reasonably retry
// (rate limiting or a server-side failure).
func (e *HTTPStatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Package interceptors tags outbound HTTP calls made inside Temporal
// activities with the workflow that issued them.
package interceptors

import (
	"context"
	"net/http"

	"go.temporal.io/sdk/activity"
)

// Header names set on requests issued from an activity
const (
	HeaderWorkflowID = "X-Workflow-ID"
	HeaderRunID      = "X-Run-ID"
	HeaderActivity   = "X-Activity-Type"
)

// WorkflowHTTPRoundTripper adds workflow metadata to outgoing HTTP requests
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base, or http.DefaultTransport when nil
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// RoundTrip implements http.RoundTripper. Requests outside an activity pass
// through unchanged.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	info, ok := activityInfo(req.Context())
	if ok && info.WorkflowExecution.ID != "" {
		req = req.Clone(req.Context())
		req.Header.Set(HeaderWorkflowID, info.WorkflowExecution.ID)
		req.Header.Set(HeaderRunID, info.WorkflowExecution.RunID)
		req.Header.Set(HeaderActivity, info.ActivityType.Name)
	}
	return w.base.RoundTrip(req)
}

// activityInfo returns false when ctx is not an activity context
func activityInfo(ctx context.Context) (info activity.Info, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return activity.GetInfo(ctx), true
}

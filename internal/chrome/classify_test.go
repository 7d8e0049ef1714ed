package chrome

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: CodeTimeout, wantStatus: 504},
		{name: "wrapped deadline", err: fmt.Errorf("navigate http://x: %w", context.DeadlineExceeded), wantCode: CodeTimeout, wantStatus: 504},
		{name: "timeout text", err: errors.New("page load Timeout reached"), wantCode: CodeTimeout, wantStatus: 504},
		{name: "name not resolved", err: errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), wantCode: CodeDomainNotFound, wantStatus: 400},
		{name: "no such host", err: errors.New("dial tcp: lookup nope.invalid: no such host"), wantCode: CodeDomainNotFound, wantStatus: 400},
		{name: "connection refused cdp", err: errors.New("page load error net::ERR_CONNECTION_REFUSED"), wantCode: CodeConnectionRefused, wantStatus: 400},
		{name: "connection refused dial", err: errors.New("dial tcp 1.2.3.4:80: connect: connection refused"), wantCode: CodeConnectionRefused, wantStatus: 400},
		{name: "unknown", err: errors.New("target crashed"), wantCode: CodeCaptureFailed, wantStatus: 500},
		{name: "timeout wins over refused", err: errors.New("timeout waiting for connection refused probe"), wantCode: CodeTimeout, wantStatus: 504},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := Classify(tc.err)
			if f.Code != tc.wantCode || f.Status != tc.wantStatus {
				t.Fatalf("Classify(%v) = {%s %d}, want {%s %d}", tc.err, f.Code, f.Status, tc.wantCode, tc.wantStatus)
			}
			if f.Message == "" {
				t.Fatalf("expected non-empty message for %v", tc.err)
			}
		})
	}
}

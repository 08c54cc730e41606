package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type mockPinger struct {
	err error
}

func (m mockPinger) Ping(context.Context) error { return m.err }

func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		name           string
		checks         Checks
		wantCode       int
		wantOK         bool
		wantDatabase   bool
		wantFailedName string
	}{
		{
			name:     "no dependencies",
			checks:   nil,
			wantCode: http.StatusOK,
			wantOK:   true,
		},
		{
			name:         "all healthy",
			checks:       Checks{"database": mockPinger{}, "cache": mockPinger{}},
			wantCode:     http.StatusOK,
			wantOK:       true,
			wantDatabase: true,
		},
		{
			name:           "database down",
			checks:         Checks{"database": mockPinger{err: context.DeadlineExceeded}, "cache": mockPinger{}},
			wantCode:       http.StatusServiceUnavailable,
			wantFailedName: "database",
		},
		{
			name:           "cache down",
			checks:         Checks{"database": mockPinger{}, "cache": mockPinger{err: errors.New("refused")}},
			wantCode:       http.StatusServiceUnavailable,
			wantDatabase:   true,
			wantFailedName: "cache",
		},
		{
			name:     "nil pinger skipped",
			checks:   Checks{"database": nil},
			wantCode: http.StatusOK,
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HTTPHandler(tt.checks)(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if w.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", w.Code, tt.wantCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var st Status
			if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if st.OK != tt.wantOK || st.Database != tt.wantDatabase {
				t.Errorf("status = %+v", st)
			}
			if tt.wantFailedName != "" && st.Checks[tt.wantFailedName] {
				t.Errorf("check %s reported healthy", tt.wantFailedName)
			}
		})
	}
}

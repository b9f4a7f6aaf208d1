package httpadmin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServerRoutesRegistered(t *testing.T) {
	s := New(":0")

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/livez", http.StatusOK},
		{"/metrics", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			s.mux.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s returned status %d, want %d", tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestShutdownWithoutStartIsNoop(t *testing.T) {
	s := New(":0")
	if err := s.Shutdown(nil); err != nil { //nolint:staticcheck // nil context is fine before Start
		t.Errorf("Shutdown() before Start() error = %v", err)
	}
}

//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nitin4real/llm/internal/identity"
	"github.com/nitin4real/llm/internal/provision"
	"github.com/nitin4real/llm/internal/session"
	"github.com/nitin4real/llm/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrAlreadyActive, http.StatusConflict},
		{session.ErrStartInProgress, http.StatusConflict},
		{session.ErrNotFound, http.StatusNotFound},
		{session.ErrNoMetadata, http.StatusNotFound},
		{session.ErrNoBudget, http.StatusPaymentRequired},
		{identity.ErrUnauthorized, http.StatusUnauthorized},
		{store.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("%w: %w", provision.ErrProvisionFailed, errors.New("503")), http.StatusBadGateway},
		{session.ErrProvisionTimeout, http.StatusGatewayTimeout},
		{session.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

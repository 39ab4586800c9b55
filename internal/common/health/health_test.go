package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	healthy := CheckerFunc(func() error { return nil })
	halted := CheckerFunc(func() error { return errors.New("pipeline halted") })
	abandoned := CheckerFunc(func() error { return errors.New("2 batches abandoned") })

	mc := NewMultiChecker(healthy)
	assert.NoError(t, mc.Check())

	mc.Add(halted)
	mc.Add(abandoned)
	err := mc.Check()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline halted")
	assert.Contains(t, err.Error(), "2 batches abandoned")
}

func TestSetupHttpMux(t *testing.T) {
	tests := map[string]struct {
		checker      Checker
		expectedCode int
		expectedBody string
	}{
		"healthy": {
			checker:      CheckerFunc(func() error { return nil }),
			expectedCode: http.StatusNoContent,
		},
		"unhealthy": {
			checker:      CheckerFunc(func() error { return errors.New("pipeline halted") }),
			expectedCode: http.StatusServiceUnavailable,
			expectedBody: "pipeline halted",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			SetupHttpMux(mux, tc.checker)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tc.expectedCode, rec.Code)
			assert.Equal(t, tc.expectedBody, rec.Body.String())
		})
	}
}

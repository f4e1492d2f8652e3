package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandler_ExposesCounters(t *testing.T) {
	CommandsExecuted.WithLabelValues("move").Inc()
	Faults.WithLabelValues("hardware").Add(2)

	if got := testutil.ToFloat64(Faults.WithLabelValues("hardware")); got < 2 {
		t.Errorf("hardware faults = %v, want >= 2", got)
	}

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`labrobot_commands_executed_total{kind="move"}`,
		`labrobot_device_faults_total{class="hardware"}`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordOp(t *testing.T) {
	before := testutil.ToFloat64(fsOpsTotal.WithLabelValues("getattr", "error"))
	RecordOp("getattr", time.Now(), errors.New("boom"))
	if got := testutil.ToFloat64(fsOpsTotal.WithLabelValues("getattr", "error")); got != before+1 {
		t.Errorf("error count = %v, want %v", got, before+1)
	}
}

func TestRecordRangeRead(t *testing.T) {
	before := testutil.ToFloat64(bytesDownloaded)
	RecordRangeRead(512, nil)
	RecordRangeRead(100, errors.New("reset"))
	if got := testutil.ToFloat64(bytesDownloaded); got != before+512 {
		t.Errorf("bytes = %v, want %v", got, before+512)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	RecordHTTPRequest(http.MethodHead, 0)
	RecordHTTPRequest(http.MethodGet, http.StatusPartialContent)
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodHead, "error")); got < 1 {
		t.Errorf("transport failures = %v", got)
	}
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "Partial Content")); got < 1 {
		t.Errorf("206 count = %v", got)
	}
}

func TestHandler(t *testing.T) {
	SetCacheBytes(4096)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "httpdirfs_cache_bytes 4096") {
		t.Error("cache gauge missing from exposition")
	}
}

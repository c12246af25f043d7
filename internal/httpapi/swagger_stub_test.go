//go:build !swagger

package httpapi

import (
	"net/http"
	"testing"
)

func TestDocs_NotMountedWithoutSwaggerTag(t *testing.T) {
	h := NewMux(&mockService{ready: true}, testKey)
	// /docs is an open path, so the answer is a plain 404 rather than 401
	rr := do(h, http.MethodGet, "/docs/index.html", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = do(h, http.MethodGet, "/openapi.json", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("openapi.json still served without the UI: status=%d", rr.Code)
	}
}

package http

import (
	"context"
	"net/http"
	"regexp"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gorilla/mux"
)

func TestLoadOpenAPI(t *testing.T) {
	doc, err := loadOpenAPI("9.9.9")
	if err != nil {
		t.Fatalf("loadOpenAPI() error = %v", err)
	}
	if doc.Info.Version != "9.9.9" {
		t.Errorf("Info.Version = %q, want 9.9.9", doc.Info.Version)
	}
}

func TestOpenAPIRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/openapi.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /openapi.json = %d", rec.Code)
	}

	doc, err := openapi3.NewLoader().LoadFromData(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("served document does not parse: %v", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		t.Errorf("served document is invalid: %v", err)
	}
	if doc.Info.Version != "1.2.3" {
		t.Errorf("served version = %q, want 1.2.3", doc.Info.Version)
	}
}

// muxPattern matches a route variable that carries a regular expression.
var muxPattern = regexp.MustCompile(`\{(\w+):[^}]*\}`)

// Every routed method must be described in the document.
func TestOpenAPIDocumentsEveryRoute(t *testing.T) {
	ts := newTestServer(t, nil)

	err := ts.router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		methods, err := route.GetMethods()
		if err != nil {
			return nil // subrouter mounts carry no methods
		}
		tpl, err := route.GetPathTemplate()
		if err != nil {
			return nil
		}
		tpl = muxPattern.ReplaceAllString(tpl, "{$1}")
		item := ts.openapi.Paths.Value(tpl)
		if item == nil {
			t.Errorf("%s is routed but not documented", tpl)
			return nil
		}
		for _, m := range methods {
			if item.GetOperation(m) == nil {
				t.Errorf("%s %s is routed but not documented", m, tpl)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"shout-server/internal/models"
)

func TestReporterPostsForm(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got = map[string]string{
			"token":  r.PostFormValue("token"),
			"status": r.PostFormValue("status"),
			"result": r.PostFormValue("result"),
		}
		_, _ = w.Write([]byte("{}"))
	}))
	defer srv.Close()

	rep := NewReporter()
	err := rep.Report(context.Background(), srv.URL+"/post_shout_status?browserId=B&shoutId=7",
		"tok", models.StatusSuccess, "HELLO")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got["token"] != "tok" || got["status"] != "success" || got["result"] != "HELLO" {
		t.Fatalf("posted form: %v", got)
	}
}

func TestReporterSurfacesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	rep := NewReporter()
	err := rep.Report(context.Background(), srv.URL, "stale", models.StatusShouting, "")
	if err == nil {
		t.Fatalf("expected error for 403 callback response")
	}
}

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/strydehealth/stride/internal/adapters/http/api"
	service "github.com/strydehealth/stride/internal/app"
	"github.com/strydehealth/stride/internal/config"
	"github.com/strydehealth/stride/pkg/logger"
)

func init() { _ = logger.Init() }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.New()
	cfg.FlushIntervalMS = 10
	cfg.WorkerCount = 2

	svc := service.New(service.WithConfig(cfg))
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("starting service: %v", err)
	}
	t.Cleanup(svc.Stop)

	mux := http.NewServeMux()
	api.NewServer(svc, svc).Register(context.Background(), mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp
}

func envelope(kind, subject string, body any) map[string]any {
	return map[string]any{
		"kind":       kind,
		"subject_id": subject,
		"body":       body,
		"meta": map[string]any{
			"sensitivity_flag":  "clinical",
			"consent_reference": "consent-1",
		},
	}
}

func postSession(t *testing.T, baseURL, patient, sessionID string, completed bool) {
	t.Helper()
	resp, _ := postJSON(t, baseURL+"/events", envelope("session_planned", patient,
		map[string]any{"session_id": sessionID, "exercise_id": "squat"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("planning session: status %d", resp.StatusCode)
	}
	kind := "session_missed"
	if completed {
		resp, _ = postJSON(t, baseURL+"/events", envelope("exercise_session", patient,
			map[string]any{"session_id": sessionID, "exercise_id": "squat"}))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("starting session: status %d", resp.StatusCode)
		}
		kind = "session_complete"
	}
	resp, _ = postJSON(t, baseURL+"/events", envelope(kind, patient,
		map[string]any{"session_id": sessionID, "exercise_id": "squat"}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("closing session: status %d", resp.StatusCode)
	}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestEventIngestion(t *testing.T) {
	Convey("Given a running API server", t, func() {
		ts := newTestServer(t)

		Convey("A valid event is acknowledged with its positions", func() {
			resp, body := postJSON(t, ts.URL+"/events", envelope("session_planned", "patient-1",
				map[string]any{"session_id": "s1", "exercise_id": "squat"}))
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["stream_id"], ShouldEqual, "patient-1")
			So(body["stream_version"], ShouldEqual, float64(1))
			So(body["global_sequence"], ShouldEqual, float64(1))
		})

		Convey("Malformed JSON is rejected", func() {
			resp, err := http.Post(ts.URL+"/events", "application/json", bytes.NewReader([]byte("{nope")))
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("An unknown kind is rejected before storage", func() {
			resp, body := postJSON(t, ts.URL+"/events", envelope("vital_signs", "patient-1",
				map[string]any{"heart_rate": 70}))
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			So(body["code"], ShouldEqual, "bad_request")
		})

		Convey("A payload violating its schema is rejected", func() {
			resp, _ := postJSON(t, ts.URL+"/events", envelope("rep_observation", "patient-1",
				map[string]any{"session_id": "s1", "exercise_id": "squat", "rep_number": 1, "score": 1.7}))
			So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("A stale expected version conflicts", func() {
			env := envelope("session_planned", "patient-2",
				map[string]any{"session_id": "s1", "exercise_id": "squat"})
			env["expected_version"] = 0
			resp, _ := postJSON(t, ts.URL+"/events", env)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			resp, body := postJSON(t, ts.URL+"/events", env)
			So(resp.StatusCode, ShouldEqual, http.StatusConflict)
			So(body["code"], ShouldEqual, "version_conflict")
		})

		Convey("Without an expected version appends are unconditional", func() {
			env := envelope("session_planned", "patient-3",
				map[string]any{"session_id": "s1", "exercise_id": "squat"})
			for i := 0; i < 3; i++ {
				resp, _ := postJSON(t, ts.URL+"/events", env)
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
			}
		})
	})
}

func TestProjectionQueries(t *testing.T) {
	Convey("Given an API server with ingested history", t, func() {
		ts := newTestServer(t)

		Convey("Adherence rows become queryable after the pipeline catches up", func() {
			postSession(t, ts.URL, "patient-q1", "s1", true)
			postSession(t, ts.URL, "patient-q1", "s2", false)

			So(eventually(func() bool {
				resp := getJSON(t, ts.URL+"/projections/adherence/patient-q1", nil)
				return resp.StatusCode == http.StatusOK
			}), ShouldBeTrue)

			var row map[string]any
			resp := getJSON(t, ts.URL+"/projections/adherence/patient-q1", &row)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			So(eventually(func() bool {
				var r map[string]any
				getJSON(t, ts.URL+"/projections/adherence/patient-q1", &r)
				return r["completed_sessions"] == float64(1) && r["missed_sessions"] == float64(1)
			}), ShouldBeTrue)

			getJSON(t, ts.URL+"/projections/adherence/patient-q1", &row)
			So(row["completion_rate"], ShouldEqual, 0.5)
			So(row["lag"], ShouldNotBeNil)
		})

		Convey("Unknown patients return 404", func() {
			resp := getJSON(t, ts.URL+"/projections/adherence/patient-ghost", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})

		Convey("The since window lists recently updated rows", func() {
			postSession(t, ts.URL, "patient-q2", "s1", true)
			So(eventually(func() bool {
				resp := getJSON(t, ts.URL+"/projections/adherence/patient-q2", nil)
				return resp.StatusCode == http.StatusOK
			}), ShouldBeTrue)

			var rows []map[string]any
			since := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
			resp := getJSON(t, ts.URL+"/projections/adherence?since="+since, &rows)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(len(rows), ShouldBeGreaterThanOrEqualTo, 1)

			Convey("A missing since parameter is rejected", func() {
				resp := getJSON(t, ts.URL+"/projections/adherence", nil)
				So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("Quality rows are served per exercise and per patient", func() {
			for rep := 1; rep <= 3; rep++ {
				resp, _ := postJSON(t, ts.URL+"/events", envelope("rep_observation", "patient-q3",
					map[string]any{"session_id": "s1", "exercise_id": "squat", "rep_number": rep, "score": 0.8}))
				So(resp.StatusCode, ShouldEqual, http.StatusOK)
			}

			So(eventually(func() bool {
				var row map[string]any
				resp := getJSON(t, ts.URL+"/projections/quality/patient-q3/squat", &row)
				return resp.StatusCode == http.StatusOK && row["total_reps"] == float64(3)
			}), ShouldBeTrue)

			var rows []map[string]any
			resp := getJSON(t, ts.URL+"/projections/quality/patient-q3", &rows)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(rows, ShouldHaveLength, 1)

			resp = getJSON(t, ts.URL+"/projections/quality/patient-q3/burpee", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestWorkQueueEndpoints(t *testing.T) {
	Convey("Given an API server with a struggling patient", t, func() {
		ts := newTestServer(t)
		for i := 0; i < 3; i++ {
			postSession(t, ts.URL, "patient-w1", fmt.Sprintf("m%d", i), false)
		}

		var items []map[string]any
		So(eventually(func() bool {
			items = nil
			resp := getJSON(t, ts.URL+"/workqueue?patient=patient-w1", &items)
			return resp.StatusCode == http.StatusOK && len(items) == 1
		}), ShouldBeTrue)
		itemID, _ := items[0]["id"].(string)
		So(itemID, ShouldNotBeEmpty)

		Convey("The list filters by status", func() {
			var pending []map[string]any
			resp := getJSON(t, ts.URL+"/workqueue?status=pending&patient=patient-w1", &pending)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(pending, ShouldHaveLength, 1)
		})

		Convey("Completing an item works exactly once", func() {
			resp, body := postJSON(t, ts.URL+"/workqueue/"+itemID+"/complete", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["status"], ShouldEqual, "completed")

			resp, body = postJSON(t, ts.URL+"/workqueue/"+itemID+"/complete", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusConflict)
			So(body["code"], ShouldEqual, "item_terminal")
		})

		Convey("Overrides pin the effective level", func() {
			expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
			resp, body := postJSON(t, ts.URL+"/workqueue/"+itemID+"/override",
				map[string]any{"level": "critical", "expires_at": expires})
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["override_level"], ShouldEqual, "critical")

			Convey("An unknown level is rejected", func() {
				resp, _ := postJSON(t, ts.URL+"/workqueue/"+itemID+"/override",
					map[string]any{"level": "panic", "expires_at": expires})
				So(resp.StatusCode, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("Unknown items return 404", func() {
			resp, _ := postJSON(t, ts.URL+"/workqueue/no-such-item/dismiss", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestAdminEndpoints(t *testing.T) {
	Convey("Given a running API server", t, func() {
		ts := newTestServer(t)
		postSession(t, ts.URL, "patient-a1", "s1", true)

		Convey("Subscriptions report status and lag", func() {
			So(eventually(func() bool {
				var subs []map[string]any
				resp := getJSON(t, ts.URL+"/admin/subscriptions", &subs)
				return resp.StatusCode == http.StatusOK && len(subs) == 1 &&
					subs[0]["name"] == "projections" && subs[0]["lag"] == float64(0)
			}), ShouldBeTrue)
		})

		Convey("Pause and resume round-trip", func() {
			resp, _ := postJSON(t, ts.URL+"/admin/subscriptions/projections/pause", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			var subs []map[string]any
			getJSON(t, ts.URL+"/admin/subscriptions", &subs)
			So(subs[0]["status"], ShouldEqual, "paused")

			resp, _ = postJSON(t, ts.URL+"/admin/subscriptions/projections/resume", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("Rebuild replays and returns to live", func() {
			So(eventually(func() bool {
				resp := getJSON(t, ts.URL+"/projections/adherence/patient-a1", nil)
				return resp.StatusCode == http.StatusOK
			}), ShouldBeTrue)

			resp, _ := postJSON(t, ts.URL+"/admin/subscriptions/projections/rebuild", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)

			So(eventually(func() bool {
				var subs []map[string]any
				getJSON(t, ts.URL+"/admin/subscriptions", &subs)
				return len(subs) == 1 && subs[0]["rebuilding"] == false
			}), ShouldBeTrue)

			So(eventually(func() bool {
				resp := getJSON(t, ts.URL+"/projections/adherence/patient-a1", nil)
				return resp.StatusCode == http.StatusOK
			}), ShouldBeTrue)
		})

		Convey("Actions on unknown subscriptions return 404", func() {
			resp, _ := postJSON(t, ts.URL+"/admin/subscriptions/ghost/pause", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})

		Convey("The dead letter queue starts empty", func() {
			var records []map[string]any
			resp := getJSON(t, ts.URL+"/admin/deadletter", &records)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(records, ShouldBeEmpty)
		})
	})
}

func TestAmbientEndpoints(t *testing.T) {
	Convey("Given a running API server", t, func() {
		ts := newTestServer(t)

		Convey("healthz responds ok", func() {
			var body map[string]any
			resp := getJSON(t, ts.URL+"/healthz", &body)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(body["status"], ShouldEqual, "ok")
		})

		Convey("stats exposes pipeline state", func() {
			var stats map[string]any
			resp := getJSON(t, ts.URL+"/stats", &stats)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
			So(stats["started"], ShouldEqual, true)
		})

		Convey("metrics serves the Prometheus registry", func() {
			resp := getJSON(t, ts.URL+"/metrics", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		})

		Convey("Wrong methods fall through to 404", func() {
			resp, _ := postJSON(t, ts.URL+"/stats", nil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})
	})
}

package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPSourceLatestAndHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices/barn-1/latest", func(response http.ResponseWriter, _ *http.Request) {
		_, _ = response.Write([]byte(`{"reading":{"deviceId":"barn-1","temperature":21,"humidity":40,"readingTime":9}}`))
	})
	mux.HandleFunc("/api/devices/barn-1/readings", func(response http.ResponseWriter, request *http.Request) {
		if request.URL.Query().Get("limit") != "2" {
			http.Error(response, `{"error":"bad limit"}`, http.StatusBadRequest)
			return
		}
		_, _ = response.Write([]byte(`{"readings":[{"deviceId":"barn-1","readingTime":8},{"deviceId":"barn-1","readingTime":9}]}`))
	})
	mux.HandleFunc("/api/devices/ghost/latest", func(response http.ResponseWriter, _ *http.Request) {
		http.Error(response, `{"error":"no readings for device"}`, http.StatusNotFound)
	})
	httpServer := httptest.NewServer(mux)
	defer httpServer.Close()

	source := NewHTTPSource(httpServer.URL+"/", nil)
	ctx := context.Background()

	latest, found, err := source.Latest(ctx, "barn-1")
	if err != nil || !found || latest.ReadingTime != 9 {
		t.Fatalf("expected latest at 9, got %+v found=%v err=%v", latest, found, err)
	}

	_, found, err = source.Latest(ctx, "ghost")
	if err != nil || found {
		t.Fatalf("expected not found without error, got found=%v err=%v", found, err)
	}

	history, err := source.History(ctx, "barn-1", 2)
	if err != nil || len(history) != 2 || history[0].ReadingTime != 8 {
		t.Fatalf("expected two oldest-first readings, got %+v err=%v", history, err)
	}

	if _, err := source.History(ctx, "barn-1", 5); err == nil {
		t.Fatal("expected error status to be reported")
	}
}

package esi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/assetscope/assetscope/pkg/assets"
	"github.com/assetscope/assetscope/pkg/whttp"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	httpClient, err := whttp.NewClient(whttp.ClientOptions{RetryMax: 0})
	if err != nil {
		t.Fatalf("http client: %v", err)
	}
	c, err := New(Config{
		BaseURL:    srv.URL,
		UserAgent:  "assetscope-test",
		Token:      StaticToken("secret"),
		HTTPClient: httpClient,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestAssetsPage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/corporations/98000001/assets/" || r.URL.Query().Get("page") != "2" {
			t.Errorf("unexpected request %s", r.URL)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "assetscope-test" {
			t.Errorf("unexpected user agent %q", got)
		}
		w.Header().Set("X-Pages", "3")
		io.WriteString(w, `[
			{"item_id": 1, "type_id": 34, "location_id": 60003760, "location_type": "station", "location_flag": "CorpSAG1", "quantity": 100, "is_singleton": false},
			{"item_id": 2, "type_id": 17366, "location_id": 1, "location_type": "item", "location_flag": "Unlocked", "quantity": 1, "is_singleton": true}
		]`)
	}))

	page, err := c.AssetsPage(context.Background(), 98000001, 90000001, 2)
	if err != nil {
		t.Fatalf("assets page: %v", err)
	}
	if page.TotalPages != 3 {
		t.Fatalf("expected 3 pages, got %d", page.TotalPages)
	}
	want := []assets.AssetRecord{
		{ItemID: 1, TypeID: 34, LocationID: 60003760, LocationType: "station", LocationFlag: "CorpSAG1", Quantity: 100},
		{ItemID: 2, TypeID: 17366, LocationID: 1, LocationType: "item", LocationFlag: "Unlocked", Quantity: 1, IsSingleton: true},
	}
	if len(page.Records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(page.Records))
	}
	for i := range want {
		if page.Records[i] != want[i] {
			t.Fatalf("record %d: want %+v, got %+v", i, want[i], page.Records[i])
		}
	}
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		want        error
	}{
		{"unauthorized", http.StatusUnauthorized, "application/json", `{"error":"expired"}`, assets.ErrAuthExpired},
		{"forbidden token", http.StatusForbidden, "application/json", `{"error":"token is expired"}`, assets.ErrAuthExpired},
		{"error limited", 420, "application/json", `{"error":"error limited"}`, assets.ErrRateLimited},
		{"too many requests", http.StatusTooManyRequests, "application/json", `{}`, assets.ErrRateLimited},
		{"bad gateway html", http.StatusBadGateway, "text/html; charset=utf-8", `<html><head><title>502 Bad Gateway</title></head></html>`, assets.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			_, err := c.AssetsPage(context.Background(), 1, 2, 1)
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
			if !assets.Retryable(err) && (tt.want == assets.ErrNetwork || tt.want == assets.ErrRateLimited) {
				t.Fatalf("expected %v to be retryable", err)
			}
		})
	}
}

func TestHTMLTitleInError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, "<html><head><title>\n  Server in maintenance\n</title></head><body></body></html>")
	}))
	_, err := c.Names(context.Background(), []int64{30000142})
	if err == nil || !strings.Contains(err.Error(), "Server in maintenance") {
		t.Fatalf("expected the page title in the error, got %v", err)
	}
}

func TestStructureForbiddenIsPermanent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":"Forbidden"}`)
	}))
	_, err := c.Structure(context.Background(), 1021975535893, 90000001)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("expected a 403 StatusError, got %v", err)
	}
	if assets.Retryable(err) || errors.Is(err, assets.ErrAuthExpired) {
		t.Fatalf("403 without a token message must be permanent, got %v", err)
	}
}

func TestStructure(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name":"Perimeter - Tranquility Trading Tower","owner_id":98000001,"solar_system_id":30000144,"type_id":35834}`)
	}))
	info, err := c.Structure(context.Background(), 1028858195912, 90000001)
	if err != nil {
		t.Fatalf("structure: %v", err)
	}
	if info.Name != "Perimeter - Tranquility Trading Tower" || info.SolarSystemID != 30000144 || info.TypeID != 35834 {
		t.Fatalf("unexpected structure: %+v", info)
	}
}

func TestNamesIsUnauthenticated(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/universe/names/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("names must not send a token")
		}
		var ids []int64
		if err := json.NewDecoder(r.Body).Decode(&ids); err != nil || len(ids) != 2 {
			t.Errorf("unexpected body: %v %v", ids, err)
		}
		io.WriteString(w, `[{"category":"solar_system","id":30000142,"name":"Jita"},{"category":"inventory_type","id":34,"name":"Tritanium"}]`)
	}))
	got, err := c.Names(context.Background(), []int64{30000142, 34})
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if got[30000142] != "Jita" || got[34] != "Tritanium" {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestNamesRejectsOversizedBatch(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	ids := make([]int64, MaxIDsPerRequest+1)
	if _, err := c.Names(context.Background(), ids); err == nil {
		t.Fatalf("expected an error for an oversized batch")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("oversized batch must not reach the server")
	}
}

func TestAssetNamesSkipsUnnamed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/corporations/98000001/assets/names/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `[{"item_id":10,"name":"Ore Stash"},{"item_id":11,"name":"None"}]`)
	}))
	got, err := c.AssetNames(context.Background(), 98000001, 90000001, []int64{10, 11})
	if err != nil {
		t.Fatalf("asset names: %v", err)
	}
	if len(got) != 1 || got[10] != "Ore Stash" {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestMissingTokenIsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request should not be sent without a token")
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.AssetsPage(context.Background(), 1, 2, 1); !errors.Is(err, assets.ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

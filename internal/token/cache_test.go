package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, exchanges *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := exchanges.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"Bearer","expires_in":3600}`, n)
	}))
}

func TestToken_CachedUntilExpiry(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges)
	defer srv.Close()

	c := NewCache(srv.URL, srv.Client())
	issuer := Issuer{TenantID: "t1", ClientID: "c1", ClientSecret: "s1"}

	first, err := c.Token(context.Background(), issuer)
	if err != nil {
		t.Fatalf("first token: %v", err)
	}
	second, err := c.Token(context.Background(), issuer)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached token, got %s then %s", first, second)
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("expected 1 exchange, got %d", got)
	}
}

func TestToken_RefreshesInsideMargin(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges)
	defer srv.Close()

	c := NewCache(srv.URL, srv.Client())
	issuer := Issuer{TenantID: "t1", ClientID: "c1", ClientSecret: "s1"}

	first, err := c.Token(context.Background(), issuer)
	if err != nil {
		t.Fatalf("first token: %v", err)
	}

	// Jump the cache's clock to just inside the refresh margin.
	c.now = func() time.Time { return time.Now().Add(time.Hour) }

	second, err := c.Token(context.Background(), issuer)
	if err != nil {
		t.Fatalf("second token: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh token after expiry")
	}
	if got := exchanges.Load(); got != 2 {
		t.Fatalf("expected 2 exchanges, got %d", got)
	}
}

func TestToken_ConcurrentCallersOneExchange(t *testing.T) {
	var exchanges atomic.Int64
	srv := tokenServer(t, &exchanges)
	defer srv.Close()

	c := NewCache(srv.URL, srv.Client())
	issuer := Issuer{TenantID: "t1", ClientID: "c1", ClientSecret: "s1"}

	const callers = 16
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Token(context.Background(), issuer)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	if got := exchanges.Load(); got != 1 {
		t.Fatalf("expected exactly 1 exchange, got %d", got)
	}
	for i := 1; i < callers; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, tokens[i], tokens[0])
		}
	}
}

func TestToken_DistinctTenantsDoNotBlockEachOther(t *testing.T) {
	fastDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "slow") {
			// Hold the slow tenant's exchange open until the fast tenant
			// has finished; if entries shared a lock this would deadlock.
			<-fastDone
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, srv.Client())

	slowErr := make(chan error, 1)
	go func() {
		_, err := c.Token(context.Background(), Issuer{TenantID: "slow", ClientID: "c", ClientSecret: "s"})
		slowErr <- err
	}()

	// Give the slow exchange a moment to take its entry lock.
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := c.Token(context.Background(), Issuer{TenantID: "fast", ClientID: "c", ClientSecret: "s"})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fast tenant: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fast tenant blocked behind slow tenant's refresh")
	}
	close(fastDone)
	if err := <-slowErr; err != nil {
		t.Fatalf("slow tenant: %v", err)
	}
}

func TestToken_ExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, srv.Client())
	_, err := c.Token(context.Background(), Issuer{TenantID: "t1", ClientID: "bad", ClientSecret: "bad"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var exchangeErr *ExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("expected ExchangeError, got %T: %v", err, err)
	}
	if exchangeErr.Tenant != "t1" {
		t.Fatalf("unexpected tenant in error: %s", exchangeErr.Tenant)
	}
}

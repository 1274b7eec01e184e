package integration

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/litkit/entrez-client/internal/testutil"
	"github.com/litkit/entrez-client/pkg/cache"
	"github.com/litkit/entrez-client/pkg/client"
	"github.com/litkit/entrez-client/pkg/eutils"
	"github.com/litkit/entrez-client/pkg/pipeline"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})
	t.Cleanup(func() {
		redisClient.Close()
		container.Terminate(ctx)
	})

	return redisClient
}

func newCachedClient(t *testing.T, redisClient *redis.Client, mock *testutil.MockEUtils, ttl time.Duration) *client.Client {
	t.Helper()

	cfg := client.DefaultConfig("integration-test", "integration@test.com")
	cfg.BaseURL = mock.URL()
	cfg.APIKey = "integration-key"
	cfg.Redis = redisClient
	cfg.CacheTTL = ttl

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

// TestFullRequestFlow covers the complete dispatch path: rate limit slot,
// cache miss, upstream request, cache store, then a cache hit that never
// reaches the server.
func TestFullRequestFlow(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockEUtils()
	defer mock.Close()

	c := newCachedClient(t, redisClient, mock, 5*time.Minute)
	svc := eutils.New(c)
	ctx := context.Background()

	req := eutils.SearchRequest{DB: "pubmed", Query: "diabetes[mesh]", RetMax: 10}

	first, err := svc.Search(ctx, req)
	if err != nil {
		t.Fatalf("First search failed: %v", err)
	}
	if first.Count != 42 {
		t.Errorf("Count = %d, want 42", first.Count)
	}
	if n := mock.RequestCount("esearch.fcgi"); n != 1 {
		t.Errorf("After first search: upstream requests = %d, want 1", n)
	}

	second, err := svc.Search(ctx, req)
	if err != nil {
		t.Fatalf("Second search failed: %v", err)
	}
	if second.Count != first.Count || len(second.IDs) != len(first.IDs) {
		t.Errorf("Cached result differs: %+v vs %+v", second, first)
	}
	if n := mock.RequestCount("esearch.fcgi"); n != 1 {
		t.Errorf("After second search: upstream requests = %d, want 1 (cache hit)", n)
	}
}

// TestCacheEntryContents verifies what lands in Redis: the response body,
// status and a TTL, with no credential material in the key.
func TestCacheEntryContents(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockEUtils()
	defer mock.Close()

	c := newCachedClient(t, redisClient, mock, time.Minute)
	ctx := context.Background()

	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", "cancer")
	params.Set("retmode", "json")
	params.Set("retmax", "10")
	params.Set("retstart", "0")
	if _, err := c.Get(ctx, "esearch.fcgi", params); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	manager := cache.NewManager(redisClient, time.Minute)
	key := cache.Key{Endpoint: "esearch.fcgi", Params: params}
	entry, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Cache lookup failed: %v", err)
	}
	if entry.StatusCode != 200 {
		t.Errorf("cached status = %d", entry.StatusCode)
	}
	if !strings.Contains(string(entry.Data), "esearchresult") {
		t.Errorf("cached body = %q", entry.Data)
	}
	if entry.IsExpired() {
		t.Error("fresh entry reported expired")
	}

	keys, err := redisClient.Keys(ctx, "entrez:*").Result()
	if err != nil {
		t.Fatalf("Redis KEYS failed: %v", err)
	}
	for _, k := range keys {
		if strings.Contains(k, "integration-key") {
			t.Errorf("cache key %q contains the API key", k)
		}
	}
}

// TestCacheExpiration ensures stale entries are discarded and the request
// goes back upstream.
func TestCacheExpiration(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockEUtils()
	defer mock.Close()

	c := newCachedClient(t, redisClient, mock, time.Second)
	svc := eutils.New(c)
	ctx := context.Background()

	req := eutils.SearchRequest{DB: "pubmed", Query: "asthma[mesh]"}

	if _, err := svc.Search(ctx, req); err != nil {
		t.Fatalf("First search failed: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, err := svc.Search(ctx, req); err != nil {
		t.Fatalf("Second search failed: %v", err)
	}
	if n := mock.RequestCount("esearch.fcgi"); n != 2 {
		t.Errorf("upstream requests = %d, want 2 after TTL lapse", n)
	}
}

// TestErrorsNotCached verifies a failed request leaves nothing behind, so
// the next attempt reaches the server.
func TestErrorsNotCached(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockEUtils()
	defer mock.Close()

	c := newCachedClient(t, redisClient, mock, time.Minute)
	svc := eutils.New(c)
	ctx := context.Background()

	mock.FailNext("esearch.fcgi", 500, 1)

	req := eutils.SearchRequest{DB: "pubmed", Query: "influenza[mesh]"}
	if _, err := svc.Search(ctx, req); err == nil {
		t.Fatal("expected error from injected failure")
	}

	res, err := svc.Search(ctx, req)
	if err != nil {
		t.Fatalf("Recovery search failed: %v", err)
	}
	if res.Count != 42 {
		t.Errorf("Count = %d, want 42", res.Count)
	}
	if n := mock.RequestCount("esearch.fcgi"); n != 2 {
		t.Errorf("upstream requests = %d, want 2 (error not served from cache)", n)
	}
}

// TestPostsBypassCache ensures form POSTs (EPost uploads) are never cached.
func TestPostsBypassCache(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockEUtils()
	defer mock.Close()

	c := newCachedClient(t, redisClient, mock, time.Minute)
	svc := eutils.New(c)
	ctx := context.Background()

	req := eutils.PostRequest{DB: "pubmed", IDs: []string{"11111", "22222"}}
	first, err := svc.Post(ctx, req)
	if err != nil {
		t.Fatalf("First post failed: %v", err)
	}
	second, err := svc.Post(ctx, req)
	if err != nil {
		t.Fatalf("Second post failed: %v", err)
	}

	if n := mock.RequestCount("epost.fcgi"); n != 2 {
		t.Errorf("upstream requests = %d, want 2 (POST bypasses cache)", n)
	}
	// Each upload mints a fresh query key.
	if second.QueryKey != first.QueryKey+1 {
		t.Errorf("query keys = %d then %d, want sequential", first.QueryKey, second.QueryKey)
	}
}

// TestPipelineWithCachedClient runs a full search/link/fetch pipeline over
// a cache-enabled client against the mock service.
func TestPipelineWithCachedClient(t *testing.T) {
	redisClient := setupRedis(t)

	mock := testutil.NewMockEUtils()
	defer mock.Close()

	c := newCachedClient(t, redisClient, mock, time.Minute)
	exec := pipeline.NewExecutor(eutils.New(c))

	result, err := exec.Run(context.Background(), []pipeline.Step{
		pipeline.Search{DB: "pubmed", Query: "crispr[title]"},
		pipeline.Link{ToDB: "protein"},
		pipeline.Fetch{RetType: "fasta", RetMode: "text"},
	})
	if err != nil {
		t.Fatalf("Pipeline failed: %v", err)
	}
	if result.Handle.QueryKey != 2 {
		t.Errorf("final query key = %d, want 2", result.Handle.QueryKey)
	}
	if result.Handle.WebEnv != testutil.TestWebEnv {
		t.Errorf("WebEnv = %q, want %q", result.Handle.WebEnv, testutil.TestWebEnv)
	}
	if len(result.Records) == 0 {
		t.Error("no fetch payload")
	}
}

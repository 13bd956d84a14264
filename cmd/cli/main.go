// Command cli issues federated top-k queries and reports latency and
// communication cost.
//
// With -broker it posts queries to a running broker. Without it, it builds
// the silos and the broker in process from generated data and also checks
// every answer against a brute-force search.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/opaque/fedknn/internal/broker"
	"github.com/opaque/fedknn/internal/estimate"
	"github.com/opaque/fedknn/internal/service"
	"github.com/opaque/fedknn/internal/store"
	"github.com/opaque/fedknn/pkg/aggregate"
	"github.com/opaque/fedknn/pkg/budget"
	"github.com/opaque/fedknn/pkg/embeddings"
	"github.com/opaque/fedknn/pkg/server"
	"github.com/opaque/fedknn/pkg/threshold"
)

var (
	brokerURL  = flag.String("broker", "", "Broker base URL, e.g. http://localhost:8080 (local simulation when empty)")
	token      = flag.String("token", "", "Bearer token for the broker API")
	queryFile  = flag.String("query-file", "", ".fvecs file of query vectors")
	numQueries = flag.Int("queries", 5, "Number of queries to run")
	topK       = flag.Int("k", 10, "Number of results per query")
	predicate  = flag.String("predicate", "", `Attribute filter, e.g. 'bucket == "3"'`)
	dimension  = flag.Int("dim", 16, "Vector dimension for generated data")
	numSilos   = flag.Int("silos", 3, "Silos in local simulation")
	perSilo    = flag.Int("vectors", 1000, "Vectors per silo in local simulation")
	strategy   = flag.String("strategy", "plaintext", "Aggregation strategy in local simulation")
	mode       = flag.String("threshold", "binary-search", "Threshold solver in local simulation")
	policy     = flag.String("budget", "min-ratio", "Budget policy in local simulation")
	verbose    = flag.Bool("v", false, "Print every hit")
)

// runner executes one query and returns the response in API form.
type runner func(ctx context.Context, req server.QueryRequest) (*server.QueryResponse, error)

func main() {
	flag.Parse()
	log.SetFlags(0)

	fmt.Println("=== fedknn CLI - Federated Top-k Retrieval ===")
	fmt.Println()

	queries, err := loadQueries()
	if err != nil {
		log.Fatalf("Failed to load queries: %v", err)
	}

	var run runner
	var check func(q []float32) []float32
	if *brokerURL != "" {
		fmt.Printf("Broker: %s\n\n", *brokerURL)
		run = remote(*brokerURL, *token)
	} else {
		run, check, err = local()
		if err != nil {
			log.Fatalf("Failed to set up local silos: %v", err)
		}
	}

	var total time.Duration
	var traffic int64
	var exact, compared int
	for i, q := range queries {
		start := time.Now()
		resp, err := run(context.Background(), server.QueryRequest{Vector: q, K: *topK, Predicate: *predicate})
		elapsed := time.Since(start)
		if err != nil {
			log.Fatalf("Query %d failed: %v", i+1, err)
		}
		total += elapsed
		traffic += resp.Traffic.SentBytes + resp.Traffic.ReceivedBytes

		fmt.Printf("Query %d: %d hits, counts %v, %v, %d bytes\n",
			i+1, len(resp.Hits), resp.Counts, elapsed.Round(time.Microsecond), resp.Traffic.SentBytes+resp.Traffic.ReceivedBytes)
		if resp.Short {
			fmt.Printf("  fewer than %d matching vectors exist\n", *topK)
		}
		if *verbose {
			for j, h := range resp.Hits {
				fmt.Printf("  %2d. silo %d vector %d  dist %.4f  %s\n", j+1, h.SiloID, h.VectorID, h.Distance, h.Attribute)
			}
		}
		if check != nil {
			truth := check(q)
			compared++
			if sameDistances(resp.Hits, truth) {
				exact++
			} else {
				fmt.Printf("  differs from brute force (recall %.2f)\n", recall(resp.Hits, truth))
			}
		}
	}

	n := len(queries)
	fmt.Println()
	fmt.Println("=== Summary ===")
	fmt.Printf("Queries:        %d\n", n)
	fmt.Printf("Avg latency:    %v\n", (total / time.Duration(max(n, 1))).Round(time.Microsecond))
	fmt.Printf("Avg traffic:    %d bytes\n", traffic/int64(max(n, 1)))
	if total > 0 {
		fmt.Printf("QPS:            %.1f\n", float64(n)/total.Seconds())
	}
	if compared > 0 {
		fmt.Printf("Exact answers:  %d/%d\n", exact, compared)
	}
}

func loadQueries() ([][]float32, error) {
	if *queryFile != "" {
		qs, err := embeddings.LoadFvecs(*queryFile)
		if err != nil {
			return nil, err
		}
		if len(qs) > *numQueries {
			qs = qs[:*numQueries]
		}
		return qs, nil
	}
	return embeddings.Generate(*numQueries, *dimension, 4242).Vectors, nil
}

func remote(baseURL, token string) runner {
	httpClient := &http.Client{Timeout: 2 * time.Minute}
	return func(ctx context.Context, req server.QueryRequest) (*server.QueryResponse, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/query", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			var e server.ErrorResponse
			data, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(data, &e) == nil && e.Error != "" {
				return nil, fmt.Errorf("broker returned %s: %s", resp.Status, e.Error)
			}
			return nil, fmt.Errorf("broker returned %s", resp.Status)
		}
		var out server.QueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, nil
	}
}

// local builds in-process silos and returns a runner plus a brute-force
// oracle over the union of their data.
func local() (runner, func([]float32) []float32, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := broker.DefaultConfig()
	var err error
	if cfg.Strategy, err = aggregate.New(*strategy); err != nil {
		return nil, nil, err
	}
	if cfg.Options.Threshold, err = threshold.ParseMode(*mode); err != nil {
		return nil, nil, err
	}
	if cfg.Options.Budget, err = budget.ParsePolicy(*policy); err != nil {
		return nil, nil, err
	}
	pred, err := store.ParsePredicate(*predicate)
	if err != nil {
		return nil, nil, err
	}

	fmt.Printf("Generating %d silos x %d vectors of dimension %d...\n", *numSilos, *perSilo, *dimension)
	all := store.NewMemoryStore(0)
	silos := make([]broker.Silo, *numSilos)
	rng := rand.New(rand.NewSource(42))
	for id := range silos {
		svcCfg := service.DefaultConfig()
		svcCfg.SiloID = id
		svc, err := service.New(svcCfg, store.NewMemoryStore(id), estimate.New(estimate.DefaultConfig(), logger), logger)
		if err != nil {
			return nil, nil, err
		}
		recs, err := embeddings.Generate(*perSilo, *dimension, rng.Int63()).Records()
		if err != nil {
			return nil, nil, err
		}
		if err := svc.Reload(ctx, recs); err != nil {
			return nil, nil, err
		}
		for i := range recs {
			recs[i].ID = int64(id)<<32 | recs[i].ID
		}
		if err := all.Add(ctx, recs); err != nil {
			return nil, nil, err
		}
		silos[id] = broker.LocalSilo{SiloService: svc}
	}

	b, err := broker.New(cfg, silos, logger)
	if err != nil {
		return nil, nil, err
	}
	fmt.Printf("Broker: local, %s / %s / %s\n\n", cfg.Strategy.Name(), cfg.Options.Threshold, cfg.Options.Budget)

	run := func(ctx context.Context, req server.QueryRequest) (*server.QueryResponse, error) {
		res, err := b.Query(ctx, broker.Query{Vector: req.Vector, K: req.K, Predicate: req.Predicate})
		if err != nil {
			return nil, err
		}
		resp := &server.QueryResponse{QueryID: res.QueryID, Counts: res.Counts, Short: res.Short}
		for _, h := range res.Hits {
			resp.Hits = append(resp.Hits, server.Hit{SiloID: h.SiloID, VectorID: h.VectorID, Distance: h.Distance, Attribute: h.Attribute})
		}
		return resp, nil
	}
	check := func(q []float32) []float32 {
		top, err := all.Search(ctx, q, *topK, pred)
		if err != nil {
			log.Fatalf("Brute-force search failed: %v", err)
		}
		return store.Distances(top)
	}
	return run, check, nil
}

func sameDistances(hits []server.Hit, truth []float32) bool {
	if len(hits) != len(truth) {
		return false
	}
	for i := range hits {
		if hits[i].Distance != truth[i] {
			return false
		}
	}
	return true
}

// recall is the fraction of true distances found, compared as multisets.
func recall(hits []server.Hit, truth []float32) float64 {
	if len(truth) == 0 {
		return 1
	}
	want := make(map[float32]int, len(truth))
	for _, d := range truth {
		want[d]++
	}
	found := 0
	for _, h := range hits {
		if want[h.Distance] > 0 {
			want[h.Distance]--
			found++
		}
	}
	return float64(found) / float64(len(truth))
}

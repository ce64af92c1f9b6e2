package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/ksred/klear-orderbook/internal/config"
	"github.com/ksred/klear-orderbook/internal/types"
)

const (
	minItems      = 1
	maxItems      = 5
	numBooks      = 20
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
)

var instruments = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, median, p95 and p99 durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient drives the order book API over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newSimulationClient authenticates with the configured API credentials
func newSimulationClient(baseURL string, creds config.AuthConfig) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"book":      {name: "Create Order Book"},
			"item":      {name: "Create Item"},
			"order":     {name: "Submit Orders"},
			"close":     {name: "Close Order Book"},
			"execution": {name: "Submit Execution"},
			"history":   {name: "Order Histories"},
		},
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", nil, map[string]string{
		"api_key":    creds.APIKey,
		"api_secret": creds.APISecret,
	}, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token.Token
	return sc, nil
}

// errRateLimited marks a 429 so call can back off and retry.
var errRateLimited = errors.New("rate limited")

// call sends body as JSON and decodes the envelope's data into out.
// A 204 leaves out untouched. Rate limited requests are retried with
// exponential backoff.
func (sc *simulationClient) call(route, method, path string, headers map[string]string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].addDuration(time.Since(start), err != nil)
	}()

	var raw []byte
	if body != nil {
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	_, err = backoff.Retry(context.Background(), func() (struct{}, error) {
		err := sc.do(method, path, headers, raw, out)
		if errors.Is(err, errRateLimited) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(8))
	return err
}

func (sc *simulationClient) do(method, path string, headers map[string]string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		return errRateLimited
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, err)
	}
	if !envelope.Success {
		if envelope.Error != nil {
			return fmt.Errorf("%s %s: status %d: %s: %s", method, path, resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

type itemDocument struct {
	Links struct {
		Self struct {
			Href string `json:"href"`
		} `json:"self"`
	} `json:"_links"`
}

func (sc *simulationClient) createItem(kind string, quantity int64, price *decimal.Decimal) (string, error) {
	body := map[string]any{"quantity": quantity}
	if price != nil {
		body["price"] = price.String()
	}
	var doc itemDocument
	if err := sc.call("item", http.MethodPost, "/api/v1/"+kind, nil, body, &doc); err != nil {
		return "", err
	}
	return doc.Links.Self.Href, nil
}

func (sc *simulationClient) submit(route, orderBookID, kind string, refs []string, idempotencyKey string) error {
	items := make([]map[string]string, len(refs))
	for i, ref := range refs {
		items[i] = map[string]string{"location": ref}
	}
	return sc.call(route, http.MethodPut, "/api/v1/orderBooks/"+orderBookID+"/"+kind,
		map[string]string{"Idempotency-Key": idempotencyKey},
		map[string]any{"item_list": items}, nil)
}

// printPerformanceStats prints latency statistics for every route
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n⏱  Route Performance")
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-20s %6s %6s %10s %10s %10s %10s\n", "Route", "Calls", "Fails", "Mean", "Median", "P95", "P99")

	names := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		rs := sc.stats[k]
		_, _, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %6d %6d %10v %10v %10v %10v\n", rs.name, rs.totalCalls, rs.failures,
			mean.Round(time.Microsecond), median.Round(time.Microsecond),
			p95.Round(time.Microsecond), p99.Round(time.Microsecond))
	}
}

type simulationStats struct {
	mu               sync.Mutex
	Books            int
	OrdersSubmitted  int
	Executions       int
	RejectedAsNeeded int
	Failures         int
}

func (s *simulationStats) add(fn func(*simulationStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// runBook takes one order book through its lifecycle: open, receive orders,
// close, receive an execution. It also checks the status gates and that a
// retried submission is not recorded twice.
func runBook(sc *simulationClient, stats *simulationStats) error {
	instrument := instruments[rand.Intn(len(instruments))]
	var book types.OrderBook
	if err := sc.call("book", http.MethodPost, "/api/v1/orderBooks", nil, map[string]string{"instrument": instrument}, &book); err != nil {
		return err
	}
	logger := log.With().Str("order_book_id", book.OrderBookID).Str("instrument", instrument).Logger()

	n := minItems + rand.Intn(maxItems-minItems+1)
	refs := make([]string, 0, n)
	var total int64
	for i := 0; i < n; i++ {
		quantity := int64(rand.Intn(100) + 1)
		total += quantity
		var (
			ref string
			err error
		)
		if rand.Intn(2) == 0 {
			ref, err = sc.createItem("marketOrders", quantity, nil)
		} else {
			price := decimal.NewFromInt(int64(rand.Intn(10000) + 100)).Shift(-2)
			ref, err = sc.createItem("limitOrders", quantity, &price)
		}
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	key := uuid.New().String()
	if err := sc.submit("order", book.OrderBookID, "order", refs, key); err != nil {
		return err
	}
	// retry with the same key is accepted but not recorded again
	if err := sc.submit("order", book.OrderBookID, "order", refs, key); err != nil {
		return err
	}

	if err := sc.call("close", http.MethodPatch, "/api/v1/orderBooks/"+book.OrderBookID, nil, map[string]string{"status": string(types.StatusClosed)}, &book); err != nil {
		return err
	}

	if err := sc.submit("order", book.OrderBookID, "order", refs[:1], ""); err == nil {
		return fmt.Errorf("order accepted by closed book %s", book.OrderBookID)
	}
	stats.add(func(s *simulationStats) { s.RejectedAsNeeded++ })

	price := decimal.NewFromInt(int64(rand.Intn(10000) + 100)).Shift(-2)
	execution, err := sc.createItem("executions", total, &price)
	if err != nil {
		return err
	}
	if err := sc.submit("execution", book.OrderBookID, "execution", []string{execution}, uuid.New().String()); err != nil {
		return err
	}

	stats.add(func(s *simulationStats) {
		s.Books++
		s.OrdersSubmitted += len(refs)
		s.Executions++
	})
	logger.Info().Int("orders", len(refs)).Int64("quantity", total).Str("price", price.String()).Msg("Order book completed")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	baseURL := serverAddress
	if v := os.Getenv("SIM_BASE_URL"); v != "" {
		baseURL = strings.TrimRight(v, "/")
	}

	simClient, err := newSimulationClient(baseURL, cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create simulation client")
	}

	stats := &simulationStats{}
	start := time.Now()

	p := pool.New().WithMaxGoroutines(numWorkers)
	for i := 0; i < numBooks; i++ {
		p.Go(func() {
			if err := runBook(simClient, stats); err != nil {
				log.Error().Err(err).Msg("Order book simulation failed")
				stats.add(func(s *simulationStats) { s.Failures++ })
			}
		})
	}
	p.Wait()

	var views []types.ResolvedHistoryView
	if err := simClient.call("history", http.MethodGet, "/api/v1/orderHistories", nil, nil, &views); err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch order histories")
	}

	unresolved := 0
	for _, v := range views {
		if v.OrderItem.Location == nil {
			unresolved++
		}
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("📚 ORDER BOOK SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Books:        %d
Orders Submitted:   %d
Executions:         %d
Gate Rejections:    %d
Failures:           %d
History Entries:    %d
Unresolved Items:   %d
Duration:           %v
`, stats.Books, stats.OrdersSubmitted, stats.Executions, stats.RejectedAsNeeded,
		stats.Failures, len(views), unresolved, duration.Round(time.Millisecond))

	simClient.printPerformanceStats()
	fmt.Println(strings.Repeat("=", 80))

	log.Info().
		Int("order_books", stats.Books).
		Int("history_entries", len(views)).
		Dur("duration", duration).
		Msg("Simulation completed")
}

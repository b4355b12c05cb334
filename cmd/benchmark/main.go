package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/refdrop/internal/ledger"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64
	fail400       uint64 // invalid referral code
	fail409       uint64 // wallet conflicts
	failOther     uint64
)

// lastCode is the referral code new signups use. In the chain workload it
// moves to every newly created account, so each signup walks a deep chain.
var lastCode atomic.Value

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "fanout", "Workload type: fanout | chain | root")
}

type signupResponse struct {
	AccountID    string `json:"account_id"`
	ReferralCode string `json:"referral_code"`
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	client := &http.Client{Timeout: 5 * time.Second}
	lastCode.Store("")
	if workload != "root" {
		head, status, err := signup(client, "")
		if err != nil || status != http.StatusCreated {
			log.Fatalf("could not create head account: status=%d err=%v", status, err)
		}
		lastCode.Store(head.ReferralCode)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, client, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, client *http.Client, start time.Time) {
	defer wg.Done()

	for time.Since(start) < duration {
		code := lastCode.Load().(string)
		resp, status, err := signup(client, code)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch status {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
			if workload == "chain" {
				lastCode.Store(resp.ReferralCode)
			}
		case http.StatusBadRequest:
			atomic.AddUint64(&fail400, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func signup(client *http.Client, code string) (*signupResponse, int, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, 0, err
	}
	payload := map[string]string{
		"email":          fmt.Sprintf("bench-%d@example.com", time.Now().UnixNano()),
		"wallet_address": ledger.EncodeAddress(pub),
		"referral_code":  code,
	}
	body, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/accounts", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var out signupResponse
	if resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, resp.StatusCode, err
		}
	}
	return &out, resp.StatusCode, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f400 := atomic.LoadUint64(&fail400)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	var errorRate float64
	if total > 0 {
		errorRate = float64(f400+f409+fErr) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    float64(total) / d.Seconds(),
		"success_created":   s201,
		"rejected_code":     f400,
		"rejected_conflict": f409,
		"error_rate_pct":    errorRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}

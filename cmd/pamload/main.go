package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"accessdesk.org/internal/apiclient"
)

// pamload drives concurrent checkouts of one shared login and checks that no
// two workers ever hold it at once.
func main() {
	var (
		baseURL  = flag.String("base-url", "http://localhost:8080", "API base URL")
		workers  = flag.Int("workers", 8, "Concurrent worker count")
		duration = flag.Duration("duration", 30*time.Second, "Duration of the run")
		hold     = flag.Duration("hold", 100*time.Millisecond, "How long a worker keeps a session")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	admin := apiclient.New(*baseURL, "pamload-admin", &http.Client{Timeout: 10 * time.Second})
	fx, err := admin.SeedPAMRequest(ctx, "Load "+uuid.NewString()[:8], "owner@load.test", uuid.NewString())
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	log.Printf("Launching PAM contention run: base=%s workers=%d duration=%s request=%s", *baseURL, *workers, *duration, fx.RequestID)

	var (
		granted, denied, rateLimited, failures int64
		holders, overlaps                      int64
		wg                                     sync.WaitGroup
	)
	deadline := time.Now().Add(*duration)

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id*9973)))
			c := admin.As(fmt.Sprintf("pamload-%d", id))
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				default:
				}
				out, err := c.Checkout(ctx, fx.RequestID, fx.ItemID)
				if err != nil {
					switch apiclient.StatusOf(err) {
					case http.StatusConflict:
						atomic.AddInt64(&denied, 1)
					case http.StatusTooManyRequests:
						atomic.AddInt64(&rateLimited, 1)
						time.Sleep(250 * time.Millisecond)
					default:
						if !errors.Is(err, context.Canceled) {
							atomic.AddInt64(&failures, 1)
							log.Printf("worker %d checkout: %v", id, err)
						}
						time.Sleep(200 * time.Millisecond)
					}
					time.Sleep(time.Duration(10+rnd.Intn(40)) * time.Millisecond)
					continue
				}
				atomic.AddInt64(&granted, 1)
				if atomic.AddInt64(&holders, 1) > 1 {
					atomic.AddInt64(&overlaps, 1)
				}
				time.Sleep(*hold)
				atomic.AddInt64(&holders, -1)
				if _, err := c.Checkin(context.Background(), out.SessionID); err != nil {
					atomic.AddInt64(&failures, 1)
					log.Printf("worker %d checkin: %v", id, err)
				}
			}
		}(i)
	}

	wg.Wait()

	log.Printf("Run complete: granted=%d denied=%d rate_limited=%d failures=%d overlaps=%d", granted, denied, rateLimited, failures, overlaps)
	if overlaps > 0 {
		log.Fatalf("exclusivity violated %d times", overlaps)
	}
}

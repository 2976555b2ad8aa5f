package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/hillpark/pharmacy-booking/internal/redis"
	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

// simulate runs a booking storm against the coordinator and checks the
// core consistency properties afterwards: every Booked slot has exactly one
// open appointment, and no slot was ever double-booked.

type simConfig struct {
	Pharmacists int
	Customers   int
	Days        int
	Workers     int
	Attempts    int
}

type operationMetrics struct {
	Total    int64
	Success  int64
	Conflict int64
	Error    int64

	mu        sync.Mutex
	latencies []time.Duration
}

func (om *operationMetrics) Record(latency time.Duration, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil:
		atomic.AddInt64(&om.Success, 1)
	case isConflict(err):
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

func (om *operationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0, 0
	}

	ls := make([]time.Duration, len(om.latencies))
	copy(ls, om.latencies)
	sort.Slice(ls, func(i, j int) bool { return ls[i] < ls[j] })

	var sum time.Duration
	for _, l := range ls {
		sum += l
	}
	avg = sum / time.Duration(len(ls))
	p50 = ls[len(ls)*50/100]
	p95 = ls[min(len(ls)*95/100, len(ls)-1)]
	max = ls[len(ls)-1]
	return avg, p50, p95, max
}

func isConflict(err error) bool {
	switch {
	case err == nil:
		return false
	case err == scheduling.ErrSlotUnavailable,
		err == scheduling.ErrDuplicateSlot,
		err == scheduling.ErrInvalidTransition:
		return true
	}
	return false
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := simConfig{}
	flag.IntVar(&cfg.Pharmacists, "pharmacists", 5, "number of pharmacists publishing slots")
	flag.IntVar(&cfg.Customers, "customers", 100, "number of customers booking")
	flag.IntVar(&cfg.Days, "days", 7, "days of slots to publish")
	flag.IntVar(&cfg.Workers, "workers", 50, "concurrent booking workers")
	flag.IntVar(&cfg.Attempts, "attempts", 2000, "total booking attempts")
	flag.Parse()

	gofakeit.Seed(time.Now().UnixNano())

	logger := zap.NewNop()
	repo := scheduling.NewMemoryRepository()
	labels := scheduling.NewTimeLabelSet(nil)
	registry := scheduling.NewSlotRegistry(repo, labels, logger)
	ledger := scheduling.NewAppointmentLedger(repo, logger)
	coord := scheduling.NewCoordinator(registry, ledger, repo, redisclient.NewLocalLocker(), logger)

	ctx := context.Background()

	// Publish the slot grid.
	pharmacists := make([]uuid.UUID, cfg.Pharmacists)
	for i := range pharmacists {
		pharmacists[i] = uuid.New()
	}

	var slots []uuid.UUID
	start := scheduling.DateOnly(time.Now().AddDate(0, 0, 1))
	for _, p := range pharmacists {
		for d := 0; d < cfg.Days; d++ {
			for _, label := range labels.Labels() {
				slot, err := coord.PublishSlot(ctx, p, start.AddDate(0, 0, d), label)
				if err != nil {
					log.Fatalf("publish slot: %v", err)
				}
				slots = append(slots, slot.ID)
			}
		}
	}
	log.Printf("published %d slots across %d pharmacists", len(slots), cfg.Pharmacists)

	customers := make([]uuid.UUID, cfg.Customers)
	for i := range customers {
		customers[i] = uuid.New()
	}

	// Booking storm: workers deliberately collide on a small slot pool.
	metrics := &operationMetrics{}
	attempts := make(chan int, cfg.Attempts)
	for i := 0; i < cfg.Attempts; i++ {
		attempts <- i
	}
	close(attempts)

	startedAt := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(rand.Int())))
			for range attempts {
				customer := customers[rng.Intn(len(customers))]
				slot := slots[rng.Intn(len(slots))]
				ref := "referral-letters/" + gofakeit.UUID()

				opStart := time.Now()
				_, err := coord.Book(ctx, customer, slot, ref)
				metrics.Record(time.Since(opStart), err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(startedAt)

	avg, p50, p95, maxLat := metrics.Stats()
	fmt.Printf("\nbooking storm finished in %s\n", elapsed)
	fmt.Printf("attempts=%d success=%d conflict=%d error=%d\n",
		metrics.Total, metrics.Success, metrics.Conflict, metrics.Error)
	fmt.Printf("latency avg=%s p50=%s p95=%s max=%s\n", avg, p50, p95, maxLat)

	if metrics.Error > 0 {
		log.Fatalf("unexpected errors during storm: %d", metrics.Error)
	}

	// Property check: each Booked slot has exactly one open appointment and
	// the number of booked slots equals the number of successful bookings.
	booked := 0
	for _, slotID := range slots {
		slot, err := coord.GetSlot(ctx, slotID)
		if err != nil {
			log.Fatalf("get slot: %v", err)
		}
		if slot.Status != scheduling.SlotBooked {
			continue
		}
		booked++
		if _, err := repo.GetOpenAppointmentForSlot(ctx, slotID); err != nil {
			log.Fatalf("booked slot %s has no open appointment: %v", slotID, err)
		}
	}

	if int64(booked) != metrics.Success {
		log.Fatalf("consistency violation: %d booked slots but %d successful bookings", booked, metrics.Success)
	}

	fmt.Printf("consistency check passed: %d slots booked exactly once\n", booked)
	os.Exit(0)
}

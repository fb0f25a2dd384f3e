package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/rl1809/product-reservation/internal/adapter/handler"
	"github.com/rl1809/product-reservation/internal/adapter/storage"
	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/core/service"
)

const (
	productID     = "one-of-a-kind"
	totalRequests = 50
)

// reserveFunc reports whether the actor got the lock; an error is anything
// other than a plain refusal.
type reserveFunc func(ctx context.Context, actorID string) (bool, error)

func main() {
	grpcAddr := flag.String("grpc", "", "reservation gRPC address; empty runs against an in-process memory store")
	requests := flag.Int("n", totalRequests, "concurrent actors")
	flag.Parse()

	ctx := context.Background()

	var reserve reserveFunc
	if *grpcAddr == "" {
		repo := storage.NewMemoryAdapter()
		svc := service.NewReservationService(repo)
		if err := svc.SaveProduct(ctx, domain.Product{ID: productID, Name: "Stress item", Price: 1000}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to seed product: %v\n", err)
			os.Exit(1)
		}
		reserve = func(ctx context.Context, actorID string) (bool, error) {
			_, err := svc.Reserve(ctx, productID, actorID)
			if errors.Is(err, domain.ErrProductLockedByOther) {
				return false, nil
			}
			return err == nil, err
		}
	} else {
		conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to dial %s: %v\n", *grpcAddr, err)
			os.Exit(1)
		}
		defer conn.Close()
		client := handler.NewReservationClient(conn)
		reserve = func(ctx context.Context, actorID string) (bool, error) {
			_, err := client.Reserve(ctx, &handler.ReserveRequest{ProductID: productID, ActorID: actorID})
			if status.Code(err) == codes.FailedPrecondition {
				return false, nil
			}
			return err == nil, err
		}
	}

	// Counters
	var successCount, conflictCount, errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *requests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			ok, err := reserve(ctx, fmt.Sprintf("actor-%d", n))
			switch {
			case err != nil:
				errorCount.Add(1)
				fmt.Fprintf(os.Stderr, "actor-%d: %v\n", n, err)
			case ok:
				successCount.Add(1)
			default:
				conflictCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := successCount.Load()
	conflict := conflictCount.Load()
	failed := errorCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product:          %s\n", productID)
	fmt.Printf("Total Requests:   %d\n", *requests)
	fmt.Printf("Reserved:         %d\n", success)
	fmt.Printf("Conflicts:        %d\n", conflict)
	fmt.Printf("Errors:           %d\n", failed)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == 1 && conflict == int32(*requests-1) {
		fmt.Printf("PASS: Exactly 1 actor holds the product, %d were refused\n", *requests-1)
		return
	}
	fmt.Printf("FAIL: Expected 1 reserved/%d conflicts, got %d/%d (%d errors)\n",
		*requests-1, success, conflict, failed)
	os.Exit(1)
}

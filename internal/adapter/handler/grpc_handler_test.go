package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/product-reservation/internal/core/domain"
)

func newGRPCClient(t *testing.T, e *env) *ReservationClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor))
	RegisterReservationServer(srv, NewGRPCHandler(e.svc))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewReservationClient(conn)
}

func TestGRPC_ReserveConflictRelease(t *testing.T) {
	e := newEnv(t, "vase")
	client := newGRPCClient(t, e)
	ctx := context.Background()

	resp, err := client.Reserve(ctx, &ReserveRequest{ProductID: "vase", ActorID: "actor-a"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ReservationID)
	assert.True(t, t0.Add(domain.ReservationTTL).Equal(resp.ExpiresAt))

	_, err = client.Reserve(ctx, &ReserveRequest{ProductID: "vase", ActorID: "actor-b"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "reserved by another customer", st.Message())

	_, err = client.Release(ctx, &ReleaseRequest{ProductID: "vase", ActorID: "actor-a"})
	require.NoError(t, err)

	avail, err := client.Availability(ctx, &AvailabilityRequest{ProductIDs: []string{"vase"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vase": "available"}, avail.Statuses)
}

func TestGRPC_Errors(t *testing.T) {
	e := newEnv(t, "vase")
	client := newGRPCClient(t, e)
	ctx := context.Background()

	_, err := client.Reserve(ctx, &ReserveRequest{ProductID: "ghost", ActorID: "actor-a"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Reserve(ctx, &ReserveRequest{ProductID: "vase"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Consume(ctx, &ConsumeRequest{ProductID: "vase", ActorID: "actor-a"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPC_ConsumeAndSweep(t *testing.T) {
	e := newEnv(t, "vase", "mug")
	client := newGRPCClient(t, e)
	ctx := context.Background()

	_, err := client.Reserve(ctx, &ReserveRequest{ProductID: "vase", ActorID: "actor-a"})
	require.NoError(t, err)
	_, err = client.Reserve(ctx, &ReserveRequest{ProductID: "mug", ActorID: "actor-a"})
	require.NoError(t, err)

	_, err = client.Consume(ctx, &ConsumeRequest{ProductID: "vase", ActorID: "actor-a"})
	require.NoError(t, err)

	e.clock.Advance(16 * time.Minute)
	sweep, err := client.SweepExpired(ctx, &SweepRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Swept)

	avail, err := client.Availability(ctx, &AvailabilityRequest{ProductIDs: []string{"vase", "mug"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vase": "sold", "mug": "available"}, avail.Statuses)
}

func TestGRPC_SweepFailureIsSwallowed(t *testing.T) {
	client := newGRPCClient(t, newDownEnv())

	resp, err := client.SweepExpired(context.Background(), &SweepRequest{})
	require.NoError(t, err)
	assert.Zero(t, resp.Swept)
}

package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/rl1809/product-reservation/internal/core/service"
)

const ServiceName = "reservation.ReservationService"

// Messages travel as JSON; clients select the codec with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ReserveRequest struct {
	ProductID string `json:"product_id"`
	ActorID   string `json:"actor_id"`
}

type ReserveResponse struct {
	ReservationID string    `json:"reservation_id"`
	ProductID     string    `json:"product_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	Price         int64     `json:"price"`
	Existing      bool      `json:"existing"`
}

type ReleaseRequest struct {
	ProductID string `json:"product_id"`
	ActorID   string `json:"actor_id"`
}

type ReleaseResponse struct{}

type ConsumeRequest struct {
	ProductID string `json:"product_id"`
	ActorID   string `json:"actor_id"`
}

type ConsumeResponse struct{}

type AvailabilityRequest struct {
	ProductIDs []string `json:"product_ids"`
}

type AvailabilityResponse struct {
	Statuses map[string]string `json:"statuses"`
}

type SweepRequest struct{}

type SweepResponse struct {
	Swept int `json:"swept"`
}

// ReservationServer is the server API for the reservation gRPC service.
type ReservationServer interface {
	Reserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
	Consume(context.Context, *ConsumeRequest) (*ConsumeResponse, error)
	Availability(context.Context, *AvailabilityRequest) (*AvailabilityResponse, error)
	SweepExpired(context.Context, *SweepRequest) (*SweepResponse, error)
}

type GRPCHandler struct {
	reservations *service.ReservationService
}

func NewGRPCHandler(reservations *service.ReservationService) *GRPCHandler {
	return &GRPCHandler{reservations: reservations}
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	grant, err := h.reservations.Reserve(ctx, req.ProductID, req.ActorID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &ReserveResponse{
		ReservationID: grant.ReservationID,
		ProductID:     grant.ProductID,
		ExpiresAt:     grant.ExpiresAt,
		Price:         grant.Price,
		Existing:      grant.Existing,
	}, nil
}

// Release is best-effort and always succeeds from the caller's view.
func (h *GRPCHandler) Release(ctx context.Context, req *ReleaseRequest) (*ReleaseResponse, error) {
	h.reservations.Release(ctx, req.ProductID, req.ActorID)
	return &ReleaseResponse{}, nil
}

func (h *GRPCHandler) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResponse, error) {
	if err := h.reservations.Consume(ctx, req.ProductID, req.ActorID); err != nil {
		return nil, grpcError(err)
	}
	return &ConsumeResponse{}, nil
}

func (h *GRPCHandler) Availability(ctx context.Context, req *AvailabilityRequest) (*AvailabilityResponse, error) {
	statuses, err := h.reservations.ListAvailability(ctx, req.ProductIDs)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := &AvailabilityResponse{Statuses: make(map[string]string, len(statuses))}
	for id, s := range statuses {
		resp.Statuses[id] = string(s)
	}
	return resp, nil
}

func (h *GRPCHandler) SweepExpired(ctx context.Context, _ *SweepRequest) (*SweepResponse, error) {
	n, err := h.reservations.SweepExpired(ctx)
	if err != nil {
		logger.Warningf("sweep stopped after %d: %v", n, err)
	}
	return &SweepResponse{Swept: n}, nil
}

func RegisterReservationServer(s grpc.ServiceRegistrar, srv ReservationServer) {
	s.RegisterService(&ReservationServiceDesc, srv)
}

// LoggingInterceptor logs failed calls at warning level.
func LoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	if err != nil {
		logger.Warningf("%s failed after %s: %v", info.FullMethod, time.Since(start), err)
	} else {
		logger.Tracef("%s ok in %s", info.FullMethod, time.Since(start))
	}
	return resp, err
}

func unaryHandler[Req any, Resp any](method string, call func(ReservationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ReservationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + method,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ReservationServer), ctx, req.(*Req))
			})
		},
	}
}

var ReservationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Reserve", ReservationServer.Reserve),
		unaryHandler("Release", ReservationServer.Release),
		unaryHandler("Consume", ReservationServer.Consume),
		unaryHandler("Availability", ReservationServer.Availability),
		unaryHandler("SweepExpired", ReservationServer.SweepExpired),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reservation.proto",
}

// ReservationClient calls the reservation service over a JSON-coded
// connection.
type ReservationClient struct {
	cc grpc.ClientConnInterface
}

func NewReservationClient(cc grpc.ClientConnInterface) *ReservationClient {
	return &ReservationClient{cc: cc}
}

func (c *ReservationClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}

func (c *ReservationClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*ReserveResponse, error) {
	out := new(ReserveResponse)
	if err := c.invoke(ctx, "Reserve", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	out := new(ReleaseResponse)
	if err := c.invoke(ctx, "Release", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) Consume(ctx context.Context, in *ConsumeRequest, opts ...grpc.CallOption) (*ConsumeResponse, error) {
	out := new(ConsumeResponse)
	if err := c.invoke(ctx, "Consume", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) Availability(ctx context.Context, in *AvailabilityRequest, opts ...grpc.CallOption) (*AvailabilityResponse, error) {
	out := new(AvailabilityResponse)
	if err := c.invoke(ctx, "Availability", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReservationClient) SweepExpired(ctx context.Context, in *SweepRequest, opts ...grpc.CallOption) (*SweepResponse, error) {
	out := new(SweepResponse)
	if err := c.invoke(ctx, "SweepExpired", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/service/storage"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

type fakeGateway struct{ got []*DeliverRequest }

func (f *fakeGateway) Deliver(_ context.Context, req *DeliverRequest) (*DeliverResponse, error) {
	switch req.UserID {
	case "ghost":
		return nil, errs.ErrNotFound.WrapMsg("no session", "user", req.UserID)
	case "boom":
		panic("deliver exploded")
	}
	f.got = append(f.got, req)
	return &DeliverResponse{Delivered: 1}, nil
}

type fakeStorage struct{ archive *storage.MemoryArchive }

func (f *fakeStorage) StoreMessage(ctx context.Context, req *StoreRequest) (*StoreResponse, error) {
	ok, err := f.archive.Insert(ctx, req.Message)
	return &StoreResponse{Inserted: ok}, err
}

func (f *fakeStorage) BatchStore(ctx context.Context, req *BatchStoreRequest) (*BatchStoreResponse, error) {
	out := &BatchStoreResponse{}
	for _, m := range req.Messages {
		if ok, _ := f.archive.Insert(ctx, m); ok {
			out.Inserted++
		} else {
			out.Skipped++
		}
	}
	return out, nil
}

func (f *fakeStorage) GetMessage(ctx context.Context, req *MessageRef) (*storage.Record, error) {
	r, err := f.archive.Get(ctx, req.TenantID, req.ConversationID, req.MessageID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (f *fakeStorage) QueryMessages(ctx context.Context, q *storage.Query) (*QueryResponse, error) {
	rows, err := f.archive.Query(ctx, *q)
	return &QueryResponse{Messages: rows}, err
}

func (f *fakeStorage) DeleteMessage(ctx context.Context, req *MessageRef) (*Empty, error) {
	return &Empty{}, f.archive.Delete(ctx, req.TenantID, req.ConversationID, req.MessageID)
}

type fakePush struct{ notify []bool }

func (f *fakePush) PushMessage(_ context.Context, req *PushRequest) (*PushResponse, error) {
	f.notify = append(f.notify, false)
	return &PushResponse{TaskIDs: []string{model.TaskID(req.Message.MessageID, req.ReceiverIDs[0], "")}}, nil
}

func (f *fakePush) PushNotification(_ context.Context, req *PushRequest) (*PushResponse, error) {
	f.notify = append(f.notify, true)
	return &PushResponse{}, nil
}

type routeTable map[string]string

func (r routeTable) Resolve(service, gatewayID string) (string, error) {
	if ep, ok := r[service+"/"+gatewayID]; ok {
		return ep, nil
	}
	return "", errs.ErrUnavailable.WrapMsg("no instance", "service", service)
}

func startBuf(t *testing.T) (*Manager, *fakeGateway) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(zap.NewNop())
	gw := &fakeGateway{}
	srv.Register(&GatewayServiceDesc, gw)
	srv.Register(&StorageServiceDesc, &fakeStorage{archive: storage.NewMemoryArchive(nil)})
	srv.Register(&PushServiceDesc, &fakePush{})
	srv.Register(&RoutingServiceDesc, NewRoutingService(routeTable{GatewayServiceName + "/gw-1": "10.0.0.1:9000"}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.ServeListener(ctx, lis) }()

	m := NewManager(Config{HealthCheckInterval: time.Hour}, zap.NewNop()).
		WithDialer(func(ctx context.Context, target string) (*grpc.ClientConn, error) {
			return grpc.DialContext(ctx, target,
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			)
		})
	t.Cleanup(func() {
		m.Stop()
		cancel()
	})
	return m, gw
}

func TestGatewayDeliverRoundTrip(t *testing.T) {
	m, gw := startBuf(t)
	ctx := context.Background()
	cli, err := m.Gateway(ctx, "bufnet")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	msg := &model.Message{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Seq: 7, Payload: model.Payload{Data: []byte("hi")}}
	resp, err := cli.Deliver(ctx, &DeliverRequest{TenantID: "t1", UserID: "bob", DeviceID: "d1", TaskID: "task", Message: msg})
	if err != nil || resp.Delivered != 1 {
		t.Fatalf("deliver: %+v %v", resp, err)
	}
	if len(gw.got) != 1 || gw.got[0].Message.Seq != 7 || string(gw.got[0].Message.Payload.Data) != "hi" {
		t.Fatalf("server saw %+v", gw.got)
	}
}

func TestErrorCodesSurviveTheWire(t *testing.T) {
	m, _ := startBuf(t)
	ctx := context.Background()
	cli, _ := m.Gateway(ctx, "bufnet")

	_, err := cli.Deliver(ctx, &DeliverRequest{UserID: "ghost"})
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
	_, err = cli.Deliver(ctx, &DeliverRequest{UserID: "boom"})
	if !errors.Is(err, errs.ErrInternal) {
		t.Fatalf("panic should surface as Internal, got %v", err)
	}
}

func TestStorageServiceOverRPC(t *testing.T) {
	m, _ := startBuf(t)
	ctx := context.Background()
	cli, err := m.Storage(ctx, "bufnet")
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	msgs := []*model.Message{
		{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Seq: 1},
		{TenantID: "t1", MessageID: "m2", ConversationID: "c1", Seq: 2},
		{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Seq: 1},
	}
	br, err := cli.BatchStore(ctx, &BatchStoreRequest{Messages: msgs})
	if err != nil || br.Inserted != 2 || br.Skipped != 1 {
		t.Fatalf("batch: %+v %v", br, err)
	}
	q, err := cli.QueryMessages(ctx, &storage.Query{TenantID: "t1", ConversationID: "c1", FromSeq: 1})
	if err != nil || len(q.Messages) != 2 {
		t.Fatalf("query: %+v %v", q, err)
	}
	if err := cli.DeleteMessage(ctx, &MessageRef{TenantID: "t1", ConversationID: "c1", MessageID: "m2"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	r, err := cli.GetMessage(ctx, &MessageRef{TenantID: "t1", MessageID: "m2"})
	if err != nil || !r.Deleted {
		t.Fatalf("get after delete: %+v %v", r, err)
	}
	if _, err := cli.GetMessage(ctx, &MessageRef{TenantID: "t1", MessageID: "nope"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestManagerHealthAndDrop(t *testing.T) {
	m, _ := startBuf(t)
	ctx := context.Background()
	cc1, err := m.Conn(ctx, "bufnet")
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	cc2, _ := m.Conn(ctx, "bufnet")
	if cc1 != cc2 {
		t.Fatalf("connections should be cached per target")
	}
	m.checkAll()
	if !m.Healthy("bufnet") {
		t.Fatalf("serving target reported unhealthy")
	}
	m.Drop("bufnet")
	if m.Healthy("bufnet") {
		t.Fatalf("dropped target should not be healthy")
	}
	cc3, _ := m.Conn(ctx, "bufnet")
	if cc3 == cc1 {
		t.Fatalf("drop should force a redial")
	}
	if _, err := m.Conn(ctx, ""); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("empty target want InvalidArgument, got %v", err)
	}
}

func TestPushAndRoutingClients(t *testing.T) {
	m, _ := startBuf(t)
	ctx := context.Background()

	pc, err := m.Push(ctx, "bufnet")
	if err != nil {
		t.Fatalf("push client: %v", err)
	}
	resp, err := pc.PushMessage(ctx, &PushRequest{Message: &model.Message{MessageID: "m1"}, ReceiverIDs: []string{"bob"}})
	if err != nil || len(resp.TaskIDs) != 1 || resp.TaskIDs[0] != model.TaskID("m1", "bob", "") {
		t.Fatalf("push: %+v %v", resp, err)
	}
	if _, err := pc.PushNotification(ctx, &PushRequest{Message: &model.Message{MessageID: "m2"}}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	rc, err := m.Routing(ctx, "bufnet")
	if err != nil {
		t.Fatalf("routing client: %v", err)
	}
	r, err := rc.Resolve(ctx, &ResolveRequest{Service: GatewayServiceName, GatewayID: "gw-1"})
	if err != nil || r.Endpoint != "10.0.0.1:9000" {
		t.Fatalf("resolve: %+v %v", r, err)
	}
	if _, err := rc.Resolve(ctx, &ResolveRequest{}); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("empty service: %v", err)
	}
	if _, err := rc.Resolve(ctx, &ResolveRequest{Service: MessageServiceName}); !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("unknown service: %v", err)
	}
}

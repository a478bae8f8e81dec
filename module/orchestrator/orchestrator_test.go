package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"FlareIM/global/config"
	"FlareIM/module/im/model"
	"FlareIM/module/storagewriter"
	"FlareIM/service/rpc"
	"FlareIM/service/seq"
	"FlareIM/service/storage"
	"FlareIM/service/stream"
	"FlareIM/service/wal"
	"FlareIM/tools/errs"
	"FlareIM/tools/retry"

	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch   *Orchestrator
	wal    *wal.MemoryLog
	broker *stream.MemoryBroker
	idem   *seq.MemoryIdempotency
	clock  *clock
}

func newHarness(t *testing.T, mutate func(*Options, *Deps)) *harness {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	w := wal.NewMemoryLog(clk.Now)
	b := stream.NewMemoryBroker(4)
	idem := seq.NewMemoryIdempotency(time.Second, clk.Now)
	opts := Options{MaxPayloadBytes: 16, Clock: clk.Now}
	deps := Deps{
		Tenants:     config.NewTenantDirectory(config.OrchestratorConfig{}, true),
		Seq:         seq.NewMemoryAllocator(w),
		Idempotency: idem,
		WAL:         w,
		Streams:     b,
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	return &harness{orch: New(opts, deps), wal: w, broker: b, idem: idem, clock: clk}
}

func env() model.Envelope {
	return model.Envelope{RequestID: "r1", TenantID: "t1", UserID: "u1", DeviceID: "d1", SessionID: "s1"}
}

func chat(id, conv, body string) model.Submission {
	return model.Submission{MessageID: id, ConversationID: conv, Payload: model.Payload{Data: []byte(body)}}
}

func TestSubmitAssignsSeqAndFansOut(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	r1, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "hi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r2, err := h.orch.Submit(ctx, env(), chat("m2", "c1", "again"))
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if r1.Seq != 1 || r2.Seq != 2 {
		t.Fatalf("seqs = %d,%d want 1,2", r1.Seq, r2.Seq)
	}
	if r1.Duplicate || r1.ServerTS != h.clock.Now().UnixMilli() {
		t.Fatalf("unexpected result %+v", r1)
	}
	if h.wal.Len() != 2 {
		t.Fatalf("wal len = %d", h.wal.Len())
	}
	st := h.broker.Records(stream.TopicStorageCreated)
	push := h.broker.Records(stream.TopicPushTasks)
	if len(st) != 2 || len(push) != 2 {
		t.Fatalf("published storage=%d push=%d", len(st), len(push))
	}
	if st[0].Key != "m1" || push[0].Key != "c1" {
		t.Fatalf("keys storage=%q push=%q", st[0].Key, push[0].Key)
	}
	m, err := stream.Decode[model.Message](push[1])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Seq != 2 || m.Sender.UserID != "u1" || m.Kind != model.KindChat || m.ConversationType != model.ConvP2P {
		t.Fatalf("frozen message = %+v", m)
	}
}

func TestSubmitDuplicateReturnsFirstResult(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "hi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Add(time.Second)
	again, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "hi"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.Duplicate || again.Seq != first.Seq || again.ServerTS != first.ServerTS {
		t.Fatalf("duplicate = %+v first = %+v", again, first)
	}
	if n := len(h.broker.Records(stream.TopicPushTasks)); n != 1 {
		t.Fatalf("duplicate republished, push records = %d", n)
	}
}

func TestDuplicateOutsideWindowFoundInWAL(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *Deps) { o.IdempotencyWindow = time.Minute })
	ctx := context.Background()
	first, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "hi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Add(2 * time.Minute)
	again, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "hi"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.Duplicate || again.Seq != first.Seq {
		t.Fatalf("want duplicate from wal, got %+v", again)
	}
}

func TestReplayAfterWindowKeepsSeqGapFree(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	first, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "hi"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Add(25 * time.Hour)
	again, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "hi"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !again.Duplicate || again.Seq != first.Seq || again.ServerTS != first.ServerTS {
		t.Fatalf("replay = %+v first = %+v", again, first)
	}
	next, err := h.orch.Submit(ctx, env(), chat("m2", "c1", "next"))
	if err != nil {
		t.Fatalf("submit m2: %v", err)
	}
	if next.Seq != first.Seq+1 {
		t.Fatalf("seqs m1=%d m2=%d, want consecutive", first.Seq, next.Seq)
	}
	if n := len(h.broker.Records(stream.TopicPushTasks)); n != 2 {
		t.Fatalf("replay republished, push records = %d", n)
	}
}

func TestPayloadLimitBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.orch.Submit(ctx, env(), chat("m1", "c1", string(bytes.Repeat([]byte("x"), 16)))); err != nil {
		t.Fatalf("payload at limit rejected: %v", err)
	}
	_, err := h.orch.Submit(ctx, env(), chat("m2", "c1", string(bytes.Repeat([]byte("x"), 17))))
	if errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("oversize err = %v", err)
	}

	e := env()
	e.MaxPayloadBytes = 32
	if _, err := h.orch.Submit(ctx, e, chat("m3", "c1", string(bytes.Repeat([]byte("x"), 20)))); err != nil {
		t.Fatalf("tenant override ignored: %v", err)
	}
}

func TestValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	e := env()
	e.DeviceID = ""
	if _, err := h.orch.Submit(ctx, e, chat("m1", "c1", "x")); errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("missing device err = %v", err)
	}
	if _, err := h.orch.Submit(ctx, env(), chat("m1", "", "x")); errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("missing conversation err = %v", err)
	}
	sub := chat("m1", "c1", "x")
	sub.Kind = "sticker"
	if _, err := h.orch.Submit(ctx, env(), sub); errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("bad kind err = %v", err)
	}
	recall := chat("m2", "c1", "")
	recall.Kind = model.KindRecall
	if _, err := h.orch.Submit(ctx, env(), recall); errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("recall without original err = %v", err)
	}
	recall.OriginalMessageID = "m0"
	if _, err := h.orch.Submit(ctx, env(), recall); err != nil {
		t.Fatalf("recall: %v", err)
	}
	if h.wal.Len() != 1 {
		t.Fatalf("wal len = %d", h.wal.Len())
	}
}

func TestUnknownTenantDenied(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Tenants = config.NewTenantDirectory(config.OrchestratorConfig{}, false)
	})
	_, err := h.orch.Submit(context.Background(), env(), chat("m1", "c1", "x"))
	if errs.CodeOf(err) != errs.CodePermissionDenied {
		t.Fatalf("err = %v", err)
	}
}

func TestMissingMessageIDMinted(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Submit(context.Background(), env(), chat("", "c1", "x"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.MessageID) != 26 {
		t.Fatalf("message id = %q", res.MessageID)
	}
}

type preSendFunc func(context.Context, model.Envelope, *model.Message) (Decision, error)

func (f preSendFunc) PreSend(ctx context.Context, e model.Envelope, m *model.Message) (Decision, error) {
	return f(ctx, e, m)
}

func TestPreSendHooks(t *testing.T) {
	hooks := &Hooks{PreSend: []PreSendHook{preSendFunc(func(_ context.Context, _ model.Envelope, m *model.Message) (Decision, error) {
		switch string(m.Payload.Data) {
		case "spam":
			return Reject("spam"), nil
		case "shout":
			return Rewrite(model.Payload{Data: []byte("SHOUT"), MIME: "text/plain"}), nil
		case "boom":
			return Decision{}, errors.New("hook backend down")
		case "grow":
			return Rewrite(model.Payload{Data: bytes.Repeat([]byte("g"), 64)}), nil
		}
		return Accept(), nil
	})}}
	h := newHarness(t, func(_ *Options, d *Deps) { d.Hooks = hooks })
	ctx := context.Background()

	if _, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "spam")); errs.CodeOf(err) != errs.CodePermissionDenied {
		t.Fatalf("reject err = %v", err)
	}
	if _, err := h.orch.Submit(ctx, env(), chat("m2", "c1", "boom")); errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("hook error = %v", err)
	}
	if _, err := h.orch.Submit(ctx, env(), chat("m3", "c1", "grow")); errs.CodeOf(err) != errs.CodeInvalidArgument {
		t.Fatalf("rewrite over limit = %v", err)
	}
	res, err := h.orch.Submit(ctx, env(), chat("m4", "c1", "shout"))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if res.Seq != 1 {
		t.Fatalf("rejected submissions consumed seq, got %d", res.Seq)
	}
	recs := h.broker.Records(stream.TopicStorageCreated)
	m, _ := stream.Decode[model.Message](recs[len(recs)-1])
	if string(m.Payload.Data) != "SHOUT" {
		t.Fatalf("payload = %q", m.Payload.Data)
	}

	// 被拒绝的 message_id 可以重新提交
	if _, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "fine now")); err != nil {
		t.Fatalf("retry after reject: %v", err)
	}
}

func TestWALFailureIsUnavailableAndPublishesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.wal.SetAppendError(errors.New("disk full"))
	_, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "x"))
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("err = %v", err)
	}
	if n := len(h.broker.Records(stream.TopicStorageCreated)) + len(h.broker.Records(stream.TopicPushTasks)); n != 0 {
		t.Fatalf("published %d records after wal failure", n)
	}

	h.wal.SetAppendError(nil)
	res, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "x"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Duplicate {
		t.Fatalf("retry after wal failure reported duplicate")
	}
	// 失败那次分配的 seq 已退回
	if res.Seq != 1 {
		t.Fatalf("seq after failed append = %d want 1", res.Seq)
	}
}

func TestPublishFailureRecoveredFromWAL(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.broker.SetPublishError(errs.ErrUnavailable.WrapMsg("broker down"))
	res, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "x"))
	if err != nil {
		t.Fatalf("publish failure must not fail submit: %v", err)
	}
	h.broker.SetPublishError(nil)

	if n, _ := h.orch.Recover(ctx); n != 0 {
		t.Fatalf("recovered inside grace: %d", n)
	}
	h.clock.Add(2 * time.Minute)
	n, err := h.orch.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	push := h.broker.Records(stream.TopicPushTasks)
	if len(push) != 1 {
		t.Fatalf("push records = %d", len(push))
	}
	m, _ := stream.Decode[model.Message](push[0])
	if m.Seq != res.Seq || m.MessageID != "m1" {
		t.Fatalf("recovered message = %+v", m)
	}
}

func TestRecoverySkipsAckedStream(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "x")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	key := wal.Key{TenantID: "t1", ConversationID: "c1", MessageID: "m1"}
	if _, err := h.wal.Advance(ctx, key, model.WalStorageAcked); err != nil {
		t.Fatalf("advance: %v", err)
	}
	h.clock.Add(2 * time.Minute)
	if _, err := h.orch.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n := len(h.broker.Records(stream.TopicStorageCreated)); n != 1 {
		t.Fatalf("storage stream republished after ack: %d", n)
	}
	if n := len(h.broker.Records(stream.TopicPushTasks)); n != 2 {
		t.Fatalf("push stream records = %d want 2", n)
	}
}

func TestStorageDeadLetterNotRecovered(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	archive := storage.NewMemoryArchive(nil)
	archive.SetError(errs.ErrInvalidArgument.WrapMsg("document rejected"))
	w := storagewriter.New(storagewriter.Options{
		Retry: retry.Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 2},
		Clock: h.clock.Now,
	}, storagewriter.Deps{Archive: archive, Streams: h.broker, Log: zap.NewNop()})
	acks := NewAckProcessor(h.wal, nil, nil, nil, zap.NewNop())

	if _, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "x")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	cycle := func() {
		if _, err := h.broker.Poll(ctx, "sw", []string{stream.TopicStorageCreated}, w.Handle); err != nil {
			t.Fatalf("storage poll: %v", err)
		}
		if _, err := h.broker.Poll(ctx, "orch", acks.Topics(), acks.Handle); err != nil {
			t.Fatalf("ack poll: %v", err)
		}
	}
	cycle()
	if n := len(h.broker.Records(stream.TopicStorageDLQ)); n != 1 {
		t.Fatalf("dlq = %d after first consume", n)
	}
	e, err := h.wal.Get(ctx, wal.Key{TenantID: "t1", ConversationID: "c1", MessageID: "m1"})
	if err != nil || e.State&model.WalStorageDead == 0 {
		t.Fatalf("wal state = %v, %v", e.State, err)
	}

	for i := 0; i < 3; i++ {
		h.clock.Add(2 * time.Minute)
		if _, err := h.orch.Recover(ctx); err != nil {
			t.Fatalf("recover: %v", err)
		}
		cycle()
	}
	if n := len(h.broker.Records(stream.TopicStorageCreated)); n != 1 {
		t.Fatalf("dead-lettered message republished to storage: %d records", n)
	}
	if n := len(h.broker.Records(stream.TopicStorageDLQ)); n != 1 {
		t.Fatalf("dlq = %d want 1", n)
	}
	// push 路还没确认，恢复照常补发
	if n := len(h.broker.Records(stream.TopicPushTasks)); n != 4 {
		t.Fatalf("push records = %d want 4", n)
	}
	if n, _ := h.wal.PendingCount(ctx); n != 1 {
		t.Fatalf("pending = %d", n)
	}
	if _, err := h.wal.Advance(ctx, wal.Key{TenantID: "t1", ConversationID: "c1", MessageID: "m1"}, model.WalFanoutAcked); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if n, _ := h.wal.PendingCount(ctx); n != 0 {
		t.Fatalf("settled entry still pending: %d", n)
	}
}

func TestAdmissionHighWater(t *testing.T) {
	h := newHarness(t, func(_ *Options, d *Deps) {
		d.Admission = NewAdmission(d.WAL.(*wal.MemoryLog), 2, nil)
	})
	ctx := context.Background()
	for i, id := range []string{"m1", "m2"} {
		if _, err := h.orch.Submit(ctx, env(), chat(id, "c1", "x")); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := h.orch.Submit(ctx, env(), chat("m3", "c1", "x")); errs.CodeOf(err) != errs.CodeResourceExhausted {
		t.Fatalf("over high water err = %v", err)
	}
	if _, err := h.wal.Advance(ctx, wal.Key{TenantID: "t1", ConversationID: "c1", MessageID: "m1"}, model.WalDone); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := h.orch.Submit(ctx, env(), chat("m3", "c1", "x")); err != nil {
		t.Fatalf("after drain: %v", err)
	}
}

func TestAdmissionTenantRate(t *testing.T) {
	a := NewAdmission(nil, 0, nil)
	p := config.TenantPolicy{Enabled: true, RatePerSec: 0.001, Burst: 2}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := a.Admit(ctx, "t1", p); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}
	if err := a.Admit(ctx, "t1", p); errs.CodeOf(err) != errs.CodeResourceExhausted {
		t.Fatalf("rate err = %v", err)
	}
	if err := a.Admit(ctx, "t2", p); err != nil {
		t.Fatalf("other tenant limited: %v", err)
	}
	p.Burst = 5
	if err := a.Admit(ctx, "t1", p); err != nil {
		t.Fatalf("policy change not applied: %v", err)
	}
}

type senderDir map[string]model.DeviceRecord

func (s senderDir) Get(_ context.Context, userID, deviceID string) (model.DeviceRecord, error) {
	r, ok := s[userID+"/"+deviceID]
	if !ok {
		return model.DeviceRecord{}, errs.ErrNotFound.WrapMsg("device")
	}
	return r, nil
}

func TestPresenceSenders(t *testing.T) {
	dir := senderDir{
		"u1/d1": {TenantID: "t1", UserID: "u1", DeviceID: "d1", SessionID: "s1", TokenEpoch: 2},
		"u1/d2": {TenantID: "t1", UserID: "u1", DeviceID: "d2", SessionID: "s2", Kicked: true},
	}
	v := NewPresenceSenders(dir)
	ctx := context.Background()

	e := env()
	e.TokenEpoch = 2
	if err := v.VerifySender(ctx, e); err != nil {
		t.Fatalf("valid sender: %v", err)
	}
	e.TokenEpoch = 1
	if err := v.VerifySender(ctx, e); errs.CodeOf(err) != errs.CodeFailedPrecondition {
		t.Fatalf("stale epoch err = %v", err)
	}
	e.TokenEpoch, e.SessionID = 2, "other"
	if err := v.VerifySender(ctx, e); errs.CodeOf(err) != errs.CodePermissionDenied {
		t.Fatalf("session mismatch err = %v", err)
	}
	e.DeviceID, e.SessionID = "d2", "s2"
	if err := v.VerifySender(ctx, e); errs.CodeOf(err) != errs.CodeUnauthenticated {
		t.Fatalf("kicked err = %v", err)
	}
	e.DeviceID = "d9"
	if err := v.VerifySender(ctx, e); errs.CodeOf(err) != errs.CodeUnauthenticated {
		t.Fatalf("offline err = %v", err)
	}
}

type deliveryRecorder struct {
	mu   sync.Mutex
	acks []model.DeliveryAck
}

func (d *deliveryRecorder) Delivered(_ context.Context, ack model.DeliveryAck) {
	d.mu.Lock()
	d.acks = append(d.acks, ack)
	d.mu.Unlock()
}

func TestAckProcessorAdvancesWAL(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	res, err := h.orch.Submit(ctx, env(), chat("m1", "c1", "x"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := &deliveryRecorder{}
	p := NewAckProcessor(h.wal, nil, nil, &Hooks{Delivery: []DeliveryHook{rec}}, nil)

	if err := stream.PublishJSON(ctx, h.broker, stream.TopicStorageAcks, "m1", "a1",
		model.PersistenceAck{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Seq: res.Seq}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := stream.PublishJSON(ctx, h.broker, stream.TopicPushAcks, "m1", "a2",
		model.DeliveryAck{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Source: model.AckFromDispatcher}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := stream.PublishJSON(ctx, h.broker, stream.TopicPushAcks, "m1", "a3",
		model.DeliveryAck{TenantID: "t1", MessageID: "m1", UserID: "u2", Status: model.AckDelivered, Source: model.AckFromWorker}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// 未知条目的确认直接丢弃
	if err := stream.PublishJSON(ctx, h.broker, stream.TopicStorageAcks, "m9", "a4",
		model.PersistenceAck{TenantID: "t1", MessageID: "m9", ConversationID: "c1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	n, err := h.broker.Poll(ctx, "orch", p.Topics(), p.Handle)
	if err != nil || n != 4 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	e, err := h.wal.Get(ctx, wal.Key{TenantID: "t1", ConversationID: "c1", MessageID: "m1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.State != model.WalDone {
		t.Fatalf("state = %v", e.State)
	}
	if len(rec.acks) != 1 || rec.acks[0].UserID != "u2" {
		t.Fatalf("delivery hooks = %+v", rec.acks)
	}

	h.clock.Add(100 * time.Hour)
	if n, err := h.orch.Prune(ctx); err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
}

func TestAckProcessorClientAckAdvancesCursor(t *testing.T) {
	archive := storage.NewMemoryArchive(nil)
	msg := &model.Message{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Seq: 7, Kind: model.KindChat}
	if _, err := archive.Insert(context.Background(), msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	cursors := storage.NewMemoryCursorStore(nil)
	b := stream.NewMemoryBroker(1)
	p := NewAckProcessor(wal.NewMemoryLog(nil), cursors, archive, nil, nil)
	ctx := context.Background()

	acks := []model.DeliveryAck{
		{TenantID: "t1", MessageID: "m1", UserID: "u2", Status: model.AckDelivered, Source: model.AckFromClient},
		{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Seq: 7, UserID: "u2", Status: model.AckRead, Source: model.AckFromClient},
		{TenantID: "t1", MessageID: "nope", UserID: "u2", Status: model.AckDelivered, Source: model.AckFromClient},
		{TenantID: "t1", MessageID: "m1", ConversationID: "c1", Seq: 3, UserID: "u2", Status: model.AckDelivered, Source: model.AckFromClient},
	}
	for i, a := range acks {
		if err := stream.PublishJSON(ctx, b, stream.TopicClientAcks, a.MessageID, string(rune('a'+i)), a); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if _, err := b.Poll(ctx, "orch", p.Topics(), p.Handle); err != nil {
		t.Fatalf("poll: %v", err)
	}
	cur, err := cursors.Get(ctx, "t1", "u2", "c1")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cur.LastAckedSeq != 7 || cur.LastReadSeq != 7 {
		t.Fatalf("cursor = %+v", cur)
	}
}

func TestServiceSubmit(t *testing.T) {
	h := newHarness(t, nil)
	svc := NewService(h.orch, nil)
	res, err := svc.Submit(context.Background(), &rpc.SubmitRequest{Envelope: env(), Submission: chat("m1", "c1", "x")})
	if err != nil || res.Seq != 1 {
		t.Fatalf("submit = %+v, %v", res, err)
	}
	if _, err := svc.SyncMessages(context.Background(), nil); errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("sync without syncer err = %v", err)
	}
}

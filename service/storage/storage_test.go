package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"FlareIM/global/config"
	"FlareIM/module/im/model"
	"FlareIM/service/mgo"
	"FlareIM/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func msg(conv, id string, seq int64) *model.Message {
	return &model.Message{
		TenantID:       "t1",
		MessageID:      id,
		ConversationID: conv,
		Sender:         model.Sender{UserID: "alice", DeviceID: "d1"},
		Kind:           model.KindChat,
		Payload:        model.Payload{Data: []byte("hello " + id), MIME: "text/plain"},
		Seq:            seq,
		ServerTS:       1700000000000 + seq,
	}
}

// archiveContract 两种实现共用
func archiveContract(t *testing.T, a Archive, conv string) {
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		ok, err := a.Insert(ctx, msg(conv, "m"+string(rune('0'+i)), i))
		if err != nil || !ok {
			t.Fatalf("insert %d: %v %v", i, ok, err)
		}
	}
	// 重复投递只有一行
	ok, err := a.Insert(ctx, msg(conv, "m1", 1))
	if err != nil || ok {
		t.Fatalf("duplicate insert should be a no-op: %v %v", ok, err)
	}
	// seq 被占用是冲突
	if _, err := a.Insert(ctx, msg(conv, "other", 2)); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("seq collision want Conflict, got %v", err)
	}

	rows, err := a.Query(ctx, Query{TenantID: "t1", ConversationID: conv, FromSeq: 2, ToSeq: 4})
	if err != nil || len(rows) != 3 || rows[0].Seq != 2 || rows[2].Seq != 4 {
		t.Fatalf("query range: %+v %v", rows, err)
	}
	rows, _ = a.Query(ctx, Query{TenantID: "t1", ConversationID: conv, FromSeq: 1, Limit: 2})
	if len(rows) != 2 || rows[1].Seq != 2 {
		t.Fatalf("query limit: %+v", rows)
	}

	if err := a.MarkRecalled(ctx, "t1", conv, "m2", "r1"); err != nil {
		t.Fatalf("recall: %v", err)
	}
	r, err := a.Get(ctx, "t1", conv, "m2")
	if err != nil || !r.Recalled || r.RecalledBy != "r1" || string(r.Payload.Data) != "hello m2" {
		t.Fatalf("recall should flip flag and keep payload: %+v %v", r, err)
	}
	if err := a.MarkRecalled(ctx, "t1", conv, "missing", "r2"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("recall missing want NotFound, got %v", err)
	}

	if err := a.Delete(ctx, "t1", conv, "m3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	r, _ = a.Get(ctx, "t1", "", "m3")
	if !r.Deleted || r.Visible().Payload.Data != nil {
		t.Fatalf("delete is a tombstone hidden from readers: %+v", r)
	}

	if max, _ := a.MaxSeq(ctx, "t1", conv); max != 5 {
		t.Fatalf("max seq want 5, got %d", max)
	}
	if max, _ := a.MaxSeq(ctx, "t1", conv+"-empty"); max != 0 {
		t.Fatalf("empty conversation max seq want 0, got %d", max)
	}
	if _, err := a.Get(ctx, "t1", conv, "nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("get missing want NotFound, got %v", err)
	}
}

func TestMemoryArchive(t *testing.T) {
	archiveContract(t, NewMemoryArchive(nil), "c1")
}

func cursorContract(t *testing.T, s CursorStore) {
	ctx := context.Background()
	c, err := s.Ack(ctx, "t1", "bob", "c1", 5)
	if err != nil || c.LastAckedSeq != 5 || c.LastReadSeq != 0 {
		t.Fatalf("ack: %+v %v", c, err)
	}
	// 回退的确认被忽略
	c, _ = s.Ack(ctx, "t1", "bob", "c1", 3)
	if c.LastAckedSeq != 5 {
		t.Fatalf("cursor moved backwards: %+v", c)
	}
	// 已读抬高确认
	c, _ = s.Read(ctx, "t1", "bob", "c1", 8)
	if c.LastAckedSeq != 8 || c.LastReadSeq != 8 || c.UpdatedTS == 0 {
		t.Fatalf("read: %+v", c)
	}
	c, _ = s.Read(ctx, "t1", "bob", "c1", 7)
	if c.LastReadSeq != 8 {
		t.Fatalf("read moved backwards: %+v", c)
	}
	got, err := s.Get(ctx, "t1", "bob", "c1")
	if err != nil || got.LastAckedSeq != 8 || got.LastReadSeq != 8 {
		t.Fatalf("get: %+v %v", got, err)
	}
	if got, _ := s.Get(ctx, "t1", "bob", "c-none"); got.LastAckedSeq != 0 {
		t.Fatalf("unknown cursor should be zero: %+v", got)
	}
	if _, err := s.Ack(ctx, "t1", "", "c1", 1); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}

func TestMemoryCursorStore(t *testing.T) {
	cursorContract(t, NewMemoryCursorStore(nil))
}

func TestSyncFromCursor(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchive(nil)
	cur := NewMemoryCursorStore(nil)
	for i := int64(1); i <= 5; i++ {
		_, _ = a.Insert(ctx, msg("c1", "m"+string(rune('0'+i)), i))
	}
	_, _ = cur.Ack(ctx, "t1", "bob", "c1", 2)
	s := NewSyncer(cur, a, nil)

	res, err := s.Sync(ctx, "t1", "bob", "c1", 0, 2)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Messages) != 2 || res.Messages[0].Seq != 3 || res.Messages[1].Seq != 4 || !res.HasMore {
		t.Fatalf("first page: %+v", res)
	}
	res, _ = s.Sync(ctx, "t1", "bob", "c1", 4, 2)
	if len(res.Messages) != 1 || res.Messages[0].Seq != 5 || res.HasMore {
		t.Fatalf("second page: %+v", res)
	}
}

func TestSyncLookupPrefersHotCache(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	hot := NewMemoryHotCache(func() time.Time { return now })
	a := NewMemoryArchive(nil)
	s := NewSyncer(NewMemoryCursorStore(nil), a, hot)

	m := msg("c1", "m1", 1)
	_ = hot.Put(ctx, m, time.Minute)
	r, err := s.Lookup(ctx, "t1", "c1", 1)
	if err != nil || r.MessageID != "m1" {
		t.Fatalf("hot lookup: %+v %v", r, err)
	}
	now = now.Add(time.Minute)
	if _, err := s.Lookup(ctx, "t1", "c1", 1); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expired hot entry and empty archive want NotFound, got %v", err)
	}
	_, _ = a.Insert(ctx, m)
	if r, err := s.Lookup(ctx, "t1", "c1", 1); err != nil || r.Seq != 1 {
		t.Fatalf("archive fallback: %+v %v", r, err)
	}
}

// 需要本地 Redis：FLARE_TEST_REDIS=127.0.0.1:6379
func TestRedisStores(t *testing.T) {
	addr := os.Getenv("FLARE_TEST_REDIS")
	if addr == "" {
		t.Skip("FLARE_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	_ = rdb.Del(ctx, cursorKeys("t1", "bob")...).Err()
	cursorContract(t, NewRedisCursorStore(rdb))

	once := NewRedisOnce(rdb, "test:once:", time.Minute)
	_ = once.Forget(ctx, "k1")
	if seen, err := once.SeenOnce(ctx, "k1", 0); err != nil || seen {
		t.Fatalf("first SeenOnce: %v %v", seen, err)
	}
	if seen, _ := once.SeenOnce(ctx, "k1", 0); !seen {
		t.Fatalf("second SeenOnce should be seen")
	}

	hot := NewRedisHotCache(rdb)
	if err := hot.Put(ctx, msg("c1", "m1", 1), time.Minute); err != nil {
		t.Fatalf("hot put: %v", err)
	}
	if m, err := hot.Get(ctx, "t1", "c1", 1); err != nil || m.MessageID != "m1" {
		t.Fatalf("hot get: %+v %v", m, err)
	}
	if _, err := hot.Get(ctx, "t1", "c1", 99); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("hot miss want NotFound, got %v", err)
	}
}

// 需要本地 MongoDB：FLARE_TEST_MONGO=mongodb://127.0.0.1:27017
func TestMongoArchive(t *testing.T) {
	uri := os.Getenv("FLARE_TEST_MONGO")
	if uri == "" {
		t.Skip("FLARE_TEST_MONGO not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cli, err := mgo.Connect(ctx, config.MongoConfig{URI: uri, Database: "flare_im_test"}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close(context.Background())
	_ = cli.DB().Collection(MessageTableName).Drop(ctx)
	a := NewMongoArchive(cli.DB(), zap.NewNop())
	if err := a.EnsureIndexes(ctx); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	archiveContract(t, a, "c1")
}

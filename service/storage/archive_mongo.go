package storage

import (
	"context"
	"errors"
	"time"

	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const MessageTableName = "im_messages"

// 字段名常量，与 bson tag 保持一致
const (
	FieldTenantID       = "tenant_id"
	FieldConversationID = "conversation_id"
	FieldMessageID      = "message_id"
	FieldSeq            = "seq"
	FieldRecalled       = "recalled"
	FieldRecalledBy     = "recalled_by"
	FieldDeleted        = "deleted"
)

// MongoArchive 每条消息一个文档
type MongoArchive struct {
	coll *mongo.Collection
	log  *zap.Logger
	now  func() time.Time
}

func NewMongoArchive(db *mongo.Database, log *zap.Logger) *MongoArchive {
	return &MongoArchive{
		coll: db.Collection(MessageTableName),
		log:  logger.OrDefault(log, "archive"),
		now:  time.Now,
	}
}

// EnsureIndexes 只创建不存在的索引
func (a *MongoArchive) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: FieldTenantID, Value: 1}, {Key: FieldConversationID, Value: 1}, {Key: FieldSeq, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_seq"),
		},
		{
			Keys:    bson.D{{Key: FieldTenantID, Value: 1}, {Key: FieldConversationID, Value: 1}, {Key: FieldMessageID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_msg"),
		},
		{
			Keys:    bson.D{{Key: FieldMessageID, Value: 1}},
			Options: options.Index().SetName("ix_msg"),
		},
	}
	existing, err := a.coll.Indexes().ListSpecifications(ctx)
	if err != nil {
		return mongoErr("list indexes", err)
	}
	names := make(map[string]struct{}, len(existing))
	for _, spec := range existing {
		names[spec.Name] = struct{}{}
	}
	for _, idx := range indexes {
		if _, ok := names[*idx.Options.Name]; ok {
			continue
		}
		if _, err := a.coll.Indexes().CreateOne(ctx, idx); err != nil {
			return mongoErr("create index "+*idx.Options.Name, err)
		}
	}
	return nil
}

func (a *MongoArchive) Insert(ctx context.Context, msg *model.Message) (bool, error) {
	rec := Record{Message: *msg, StoredAt: a.now().UnixMilli()}
	_, err := a.coll.InsertOne(ctx, rec)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, mongoErr("insert message", err)
	}
	// 唯一索引冲突：同一 message_id 视为重复投递；否则是 seq 被别的消息占用
	if _, gerr := a.Get(ctx, msg.TenantID, msg.ConversationID, msg.MessageID); gerr == nil {
		return false, nil
	}
	a.log.Error("seq collision in archive",
		zap.String("conversation", msg.ConversationID), zap.Int64("seq", msg.Seq), zap.String("message_id", msg.MessageID))
	return false, errs.ErrConflict.WrapMsg("seq already taken", "conversation", msg.ConversationID, "seq", msg.Seq)
}

func (a *MongoArchive) Get(ctx context.Context, tenantID, conversationID, messageID string) (Record, error) {
	filter := bson.M{FieldTenantID: tenantID, FieldMessageID: messageID}
	if conversationID != "" {
		filter[FieldConversationID] = conversationID
	}
	var rec Record
	if err := a.coll.FindOne(ctx, filter).Decode(&rec); err != nil {
		return Record{}, mongoErr("get message", err)
	}
	return rec, nil
}

func (a *MongoArchive) Query(ctx context.Context, q Query) ([]Record, error) {
	seq := bson.M{"$gte": q.FromSeq}
	if q.ToSeq > 0 {
		seq["$lte"] = q.ToSeq
	}
	filter := bson.M{FieldTenantID: q.TenantID, FieldConversationID: q.ConversationID, FieldSeq: seq}
	opts := options.Find().SetSort(bson.D{{Key: FieldSeq, Value: 1}}).SetLimit(int64(q.limit()))
	cur, err := a.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoErr("query messages", err)
	}
	defer cur.Close(ctx)
	out := make([]Record, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, mongoErr("decode messages", err)
	}
	return out, nil
}

func (a *MongoArchive) MarkRecalled(ctx context.Context, tenantID, conversationID, originalID, recallID string) error {
	res, err := a.coll.UpdateOne(ctx,
		bson.M{FieldTenantID: tenantID, FieldConversationID: conversationID, FieldMessageID: originalID},
		bson.M{"$set": bson.M{FieldRecalled: true, FieldRecalledBy: recallID}})
	if err != nil {
		return mongoErr("mark recalled", err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("recall target", "message_id", originalID)
	}
	return nil
}

func (a *MongoArchive) Delete(ctx context.Context, tenantID, conversationID, messageID string) error {
	res, err := a.coll.UpdateOne(ctx,
		bson.M{FieldTenantID: tenantID, FieldConversationID: conversationID, FieldMessageID: messageID},
		bson.M{"$set": bson.M{FieldDeleted: true}})
	if err != nil {
		return mongoErr("delete message", err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrNotFound.WrapMsg("message", "message_id", messageID)
	}
	return nil
}

func (a *MongoArchive) MaxSeq(ctx context.Context, tenantID, conversationID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := a.coll.FindOne(ctx,
		bson.M{FieldTenantID: tenantID, FieldConversationID: conversationID},
		options.FindOne().SetSort(bson.D{{Key: FieldSeq, Value: -1}}).SetProjection(bson.M{FieldSeq: 1, "_id": 0}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, mongoErr("max seq", err)
	}
	return doc.Seq, nil
}

func mongoErr(op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return errs.ErrNotFound.WrapMsg(op)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errs.ErrDeadlineExceeded.WrapMsg(op, "err", err)
	}
	return errs.ErrUnavailable.WrapMsg(op, "err", err)
}

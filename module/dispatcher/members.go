package dispatcher

import (
	"context"
	"sync"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConversationResolver 会话成员（群、单聊、聊天室）由外部会话服务维护
type ConversationResolver interface {
	Members(ctx context.Context, tenantID, conversationID string, typ model.ConversationType) ([]string, error)
}

const MemberTableName = "im_conversation_members"

// 成员状态，与会话服务一致
const (
	MemberActive int32 = 0
	MemberQuit   int32 = 1
	MemberKicked int32 = 2
)

// ConversationMember 一条记录对应 会话 + 用户
type ConversationMember struct {
	TenantID       string `bson:"tenant_id"`
	ConversationID string `bson:"conversation_id"`
	UserID         string `bson:"user_id"`
	Status         int32  `bson:"status"`
}

// MongoMembers 读会话服务写入的成员表
type MongoMembers struct {
	coll *mongo.Collection
}

func NewMongoMembers(db *mongo.Database) *MongoMembers {
	return &MongoMembers{coll: db.Collection(MemberTableName)}
}

func (m *MongoMembers) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_conv_user"),
	})
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("ensure member index", "err", err)
	}
	return nil
}

func (m *MongoMembers) Members(ctx context.Context, tenantID, conversationID string, _ model.ConversationType) ([]string, error) {
	filter := bson.M{"tenant_id": tenantID, "conversation_id": conversationID, "status": MemberActive}
	cur, err := m.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"user_id": 1}))
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("find members", "conversation", conversationID, "err", err)
	}
	defer cur.Close(ctx)
	var rows []ConversationMember
	if err := cur.All(ctx, &rows); err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("decode members", "conversation", conversationID, "err", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.UserID)
	}
	return out, nil
}

// StaticMembers 进程内成员表（测试与单机部署）
type StaticMembers struct {
	mu sync.RWMutex
	m  map[string][]string
}

func NewStaticMembers() *StaticMembers { return &StaticMembers{m: make(map[string][]string)} }

func (s *StaticMembers) Set(tenantID, conversationID string, users ...string) {
	s.mu.Lock()
	s.m[tenantID+"|"+conversationID] = append([]string(nil), users...)
	s.mu.Unlock()
}

func (s *StaticMembers) Members(_ context.Context, tenantID, conversationID string, _ model.ConversationType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users, ok := s.m[tenantID+"|"+conversationID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation", "conversation_id", conversationID)
	}
	return append([]string(nil), users...), nil
}

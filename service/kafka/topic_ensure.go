package kafka

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"FlareIM/global/config"
	"FlareIM/logger"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// topicPlan 待创建的主题
type topicPlan struct {
	name              string
	partitions        int32
	replicationFactor int16
	configEntries     map[string]*string
}

// PlanTopics 计算需要创建的主题（已存在的跳过），按名字排序
func PlanTopics(kc config.KafkaConfig, existing map[string]sarama.TopicDetail, topics []string) []topicPlan {
	rep := kc.Replication
	if rep <= 0 {
		rep = 1
	}
	parts := kc.Partitions
	if parts <= 0 {
		parts = 3
	}
	// min.insync.replicas 跟随副本数：至少1，尽量设置为rep-1
	minISR := "1"
	if rep > 1 {
		minISR = fmt.Sprintf("%d", rep-1)
	}
	baseRetentionMs := fmt.Sprintf("%d", 7*24*60*60*1000) // 7天
	segmentBytes := fmt.Sprintf("%d", 1<<30)              // 1 GiB

	seen := make(map[string]bool, len(topics))
	out := make([]topicPlan, 0, len(topics))
	for _, t := range topics {
		if _, ok := existing[t]; ok || seen[t] {
			continue
		}
		seen[t] = true
		retention := baseRetentionMs
		// DLQ 只由运维处理，保留更久
		if strings.HasSuffix(t, ".dlq") {
			retention = fmt.Sprintf("%d", 30*24*60*60*1000)
		}
		out = append(out, topicPlan{
			name:              t,
			partitions:        parts,
			replicationFactor: rep,
			configEntries: map[string]*string{
				"cleanup.policy":                 ptr("delete"),
				"retention.ms":                   ptr(retention),
				"segment.bytes":                  ptr(segmentBytes),
				"min.insync.replicas":            ptr(minISR),
				"unclean.leader.election.enable": ptr("false"),
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// EnsureTopics 不存在就创建（幂等）；已存在的不改配置
func EnsureTopics(kc config.KafkaConfig, topics []string) error {
	if len(kc.Brokers) == 0 {
		return fmt.Errorf("no brokers provided")
	}
	cfg, err := BuildBaseConfig(kc, "flare-im-admin")
	if err != nil {
		return err
	}
	cfg.Admin.Timeout = 15 * time.Second

	admin, err := sarama.NewClusterAdmin(kc.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("new cluster admin: %w", err)
	}
	defer func() {
		if e := admin.Close(); e != nil {
			logger.Error("close cluster admin", zap.Error(e))
		}
	}()

	existing, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	for _, p := range PlanTopics(kc, existing, topics) {
		detail := &sarama.TopicDetail{
			NumPartitions:     p.partitions,
			ReplicationFactor: p.replicationFactor,
			ConfigEntries:     p.configEntries,
		}
		if err := admin.CreateTopic(p.name, detail, false); err != nil {
			if !isTopicExistsErr(err) {
				return fmt.Errorf("create topic %q: %w", p.name, err)
			}
			continue
		}
		logger.Info("topic created", zap.String("topic", p.name), zap.Int32("partitions", p.partitions), zap.Int16("rf", p.replicationFactor))
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func isTopicExistsErr(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var te *sarama.TopicError
	if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
		return true
	}
	// 有的 broker 返回的是普通 error 文本
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

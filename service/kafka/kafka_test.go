package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"FlareIM/global/config"
	"FlareIM/service/stream"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

func TestBuildBaseConfig(t *testing.T) {
	kc := config.Default().Kafka
	kc.Compression = "lz4"
	cfg, err := BuildBaseConfig(kc, "test")
	if err != nil {
		t.Fatalf("BuildBaseConfig: %v", err)
	}
	if cfg.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatalf("expected WaitForAll")
	}
	if cfg.Producer.Compression != sarama.CompressionLZ4 {
		t.Fatalf("expected lz4, got %v", cfg.Producer.Compression)
	}
	if cfg.Consumer.Offsets.Initial != sarama.OffsetOldest {
		t.Fatalf("new groups must start from oldest")
	}

	kc.Version = "not-a-version"
	if _, err := BuildBaseConfig(kc, "test"); err == nil {
		t.Fatalf("bad version should fail")
	}
}

func TestPlanTopicsSkipsExisting(t *testing.T) {
	kc := config.KafkaConfig{Partitions: 6, Replication: 3}
	existing := map[string]sarama.TopicDetail{stream.TopicPushAcks: {}}
	plans := PlanTopics(kc, existing, stream.AllTopics())
	if len(plans) != len(stream.AllTopics())-1 {
		t.Fatalf("expected %d plans, got %d", len(stream.AllTopics())-1, len(plans))
	}
	for i, p := range plans {
		if p.name == stream.TopicPushAcks {
			t.Fatalf("existing topic planned again")
		}
		if i > 0 && plans[i-1].name >= p.name {
			t.Fatalf("plans not sorted")
		}
		if p.partitions != 6 || p.replicationFactor != 3 {
			t.Fatalf("unexpected plan %+v", p)
		}
		if *p.configEntries["min.insync.replicas"] != "2" {
			t.Fatalf("min isr should follow replication")
		}
	}
}

func TestRecordHeadersRoundTrip(t *testing.T) {
	rec := stream.Record{Topic: "t", Key: "k", ID: "id-1", Value: []byte("v"), Headers: map[string]string{"a": "b"}}
	pm := toProducerMessage(rec)
	cm := &sarama.ConsumerMessage{Topic: "t", Key: []byte("k"), Value: []byte("v")}
	for i := range pm.Headers {
		h := pm.Headers[i]
		cm.Headers = append(cm.Headers, &h)
	}
	got := fromConsumerMessage(cm)
	if got.ID != "id-1" || got.Key != "k" || got.Headers["a"] != "b" {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, ok := got.Headers[HeaderRecordID]; ok {
		t.Fatalf("record id header should be lifted into ID")
	}
}

// 需要本地 Kafka：FLARE_TEST_KAFKA=127.0.0.1:9092
func TestBrokerPublishConsume(t *testing.T) {
	addr := os.Getenv("FLARE_TEST_KAFKA")
	if addr == "" {
		t.Skip("FLARE_TEST_KAFKA not set")
	}
	kc := config.Default().Kafka
	kc.Brokers = strings.Split(addr, ",")
	b, err := NewBroker(kc, "flare-test", zap.NewNop())
	if err != nil {
		t.Fatalf("NewBroker: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	id := time.Now().Format(time.RFC3339Nano)
	if err := b.Publish(ctx, stream.Record{Topic: stream.TopicClientAcks, Key: "m1", ID: id, Value: []byte("x")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := make(chan stream.Record, 1)
	go func() {
		_ = b.Consume(ctx, "flare-test-"+id, []string{stream.TopicClientAcks}, func(_ context.Context, rec stream.Record) error {
			if rec.ID == id {
				select {
				case got <- rec:
				default:
				}
			}
			return nil
		})
	}()
	select {
	case rec := <-got:
		if rec.Key != "m1" {
			t.Fatalf("unexpected key %q", rec.Key)
		}
	case <-ctx.Done():
		t.Fatalf("timeout waiting for record")
	}
}

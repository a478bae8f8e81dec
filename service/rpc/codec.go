package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// 集群内部 RPC 用 JSON 编码，消息体就是 module/im/model 里的结构
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

package decode

import (
	"encoding/json"
	"reflect"

	"FlareIM/tools/errs"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 宽松解码（默认 true）："123" -> int、1.0 -> int64 等
	WeaklyTypedInput bool
	// 读取的 tag 名（默认 json）
	TagName string
	// 出现结构体里没有的字段时报错，租户策略这类运维手写的文档用
	ErrorUnused bool
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
		TagName:          "json",
	}
}

// DecodeMap 将动态 map（JSON/YAML 解析结果）解码到结构体 T。错误带 InvalidArgument 码。
func DecodeMap[T any](m map[string]any, opts ...Options) (*T, error) {
	if m == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("decode: nil map")
	}
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
		if cfg.TagName == "" {
			cfg.TagName = "json"
		}
	}

	var out T
	decCfg := &mapstructure.DecoderConfig{
		TagName:          cfg.TagName,
		Result:           &out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			floatToIntHook(),
			sliceAnyToSliceStringHook(),
		),
	}

	dec, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("new decoder", "err", err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("decode map", "err", err)
	}
	return &out, nil
}

// DecodeJSON 先把 JSON 文本解成 map，再走 DecodeMap（享受同样的 hook）。
func DecodeJSON[T any](data []byte, opts ...Options) (*T, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("unmarshal json", "err", err)
	}
	return DecodeMap[T](m, opts...)
}

// floatToIntHook：JSON 数字一律是 float64，落到整型字段时截断
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		case reflect.Uint32:
			return uint32(data.(float64)), nil
		}
		return data, nil
	}
}

// sliceAnyToSliceStringHook：[]any -> []string
func sliceAnyToSliceStringHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.Slice || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
			return data, nil
		}
		src, ok := data.([]any)
		if !ok {
			return data, nil
		}
		out := make([]string, 0, len(src))
		for _, it := range src {
			switch v := it.(type) {
			case string:
				out = append(out, v)
			case json.Number:
				out = append(out, v.String())
			default:
				b, _ := json.Marshal(v)
				out = append(out, string(b))
			}
		}
		return out, nil
	}
}

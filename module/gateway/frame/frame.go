package frame

import (
	"encoding/binary"
	"io"
	"math"

	"FlareIM/tools/errs"

	"google.golang.org/protobuf/encoding/protowire"
)

type Type int32

const (
	TypePing Type = iota + 1
	TypePong
	TypeConnect
	TypeConnectAck
	TypeMessage
	TypeMessageAck
	TypeCustom
	TypeAck
	TypeKicked
	TypeError
)

var typeNames = map[Type]string{
	TypePing:       "PING",
	TypePong:       "PONG",
	TypeConnect:    "CONNECT",
	TypeConnectAck: "CONNECT_ACK",
	TypeMessage:    "MESSAGE",
	TypeMessageAck: "MESSAGE_ACK",
	TypeCustom:     "CUSTOM",
	TypeAck:        "ACK",
	TypeKicked:     "KICKED",
	TypeError:      "ERROR",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "UNKNOWN"
}

func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

const (
	HeaderSize      = 4
	DefaultMaxBytes = 1 << 20
)

// 字段号。1~5 为头部，>=10 为各类型的 body 字段，共用一套编号
const (
	fFrameID   protowire.Number = 1
	fSessionID protowire.Number = 2
	fTenantID  protowire.Number = 3
	fTS        protowire.Number = 4
	fType      protowire.Number = 5

	fToken             protowire.Number = 10
	fPolicy            protowire.Number = 11
	fMessageID         protowire.Number = 12
	fConversationID    protowire.Number = 13
	fConversationType  protowire.Number = 14
	fKind              protowire.Number = 15
	fPayload           protowire.Number = 16
	fMIME              protowire.Number = 17
	fClientTS          protowire.Number = 18
	fSeq               protowire.Number = 19
	fServerTS          protowire.Number = 20
	fOriginalMessageID protowire.Number = 21
	fReceiverIDs       protowire.Number = 22
	fCode              protowire.Number = 23
	fRetryable         protowire.Number = 24
	fReason            protowire.Number = 25
	fOp                protowire.Number = 26
	fData              protowire.Number = 27
	fStatus            protowire.Number = 28
	fSenderUserID      protowire.Number = 29
	fSenderDeviceID    protowire.Number = 30
	fAttributes        protowire.Number = 31
	fRequireOnline     protowire.Number = 32
	fPersistIfOffline  protowire.Number = 33
	fTaskID            protowire.Number = 34
	fRTTMs             protowire.Number = 35
	fLossRate          protowire.Number = 36
	fNetworkType       protowire.Number = 37
	fAttachments       protowire.Number = 38
	fPriority          protowire.Number = 39
)

// Frame 客户端线协议的一帧。零值字段不上线
type Frame struct {
	// header
	FrameID   string
	SessionID string
	TenantID  string
	TS        int64
	Type      Type

	// CONNECT
	Token  string
	Policy string
	// CONNECT / PING 上报的链路质量
	RTTMs       int64
	LossRate    float64
	NetworkType string

	// MESSAGE / MESSAGE_ACK / ACK
	MessageID         string
	ConversationID    string
	ConversationType  string
	Kind              string
	Payload           []byte
	MIME              string
	ClientTS          int64
	Seq               int64
	ServerTS          int64
	OriginalMessageID string
	ReceiverIDs       []string
	Attributes        map[string]string
	Attachments       []string
	RequireOnline     bool
	PersistIfOffline  bool
	Priority          int64
	SenderUserID      string
	SenderDeviceID    string
	TaskID            string
	Status            string

	// ERROR / KICKED
	Code      int64
	Retryable bool
	Reason    string

	// CUSTOM
	Op   string
	Data []byte
}

func appendString(b []byte, n protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, n protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, n protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, n protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

// EncodeBody 不含长度前缀
func (f *Frame) EncodeBody(b []byte) []byte {
	b = appendString(b, fFrameID, f.FrameID)
	b = appendString(b, fSessionID, f.SessionID)
	b = appendString(b, fTenantID, f.TenantID)
	b = appendVarint(b, fTS, f.TS)
	b = appendVarint(b, fType, int64(f.Type))

	b = appendString(b, fToken, f.Token)
	b = appendString(b, fPolicy, f.Policy)
	b = appendString(b, fMessageID, f.MessageID)
	b = appendString(b, fConversationID, f.ConversationID)
	b = appendString(b, fConversationType, f.ConversationType)
	b = appendString(b, fKind, f.Kind)
	b = appendBytes(b, fPayload, f.Payload)
	b = appendString(b, fMIME, f.MIME)
	b = appendVarint(b, fClientTS, f.ClientTS)
	b = appendVarint(b, fSeq, f.Seq)
	b = appendVarint(b, fServerTS, f.ServerTS)
	b = appendString(b, fOriginalMessageID, f.OriginalMessageID)
	for _, r := range f.ReceiverIDs {
		b = protowire.AppendTag(b, fReceiverIDs, protowire.BytesType)
		b = protowire.AppendString(b, r)
	}
	b = appendVarint(b, fCode, f.Code)
	b = appendBool(b, fRetryable, f.Retryable)
	b = appendString(b, fReason, f.Reason)
	b = appendString(b, fOp, f.Op)
	b = appendBytes(b, fData, f.Data)
	b = appendString(b, fStatus, f.Status)
	b = appendString(b, fSenderUserID, f.SenderUserID)
	b = appendString(b, fSenderDeviceID, f.SenderDeviceID)
	for k, v := range f.Attributes {
		// map<string,string> 的 entry：1=key 2=value
		var e []byte
		e = protowire.AppendTag(e, 1, protowire.BytesType)
		e = protowire.AppendString(e, k)
		e = protowire.AppendTag(e, 2, protowire.BytesType)
		e = protowire.AppendString(e, v)
		b = protowire.AppendTag(b, fAttributes, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	b = appendBool(b, fRequireOnline, f.RequireOnline)
	b = appendBool(b, fPersistIfOffline, f.PersistIfOffline)
	b = appendString(b, fTaskID, f.TaskID)
	b = appendVarint(b, fRTTMs, f.RTTMs)
	if f.LossRate != 0 {
		b = protowire.AppendTag(b, fLossRate, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.LossRate))
	}
	b = appendString(b, fNetworkType, f.NetworkType)
	for _, a := range f.Attachments {
		b = protowire.AppendTag(b, fAttachments, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	b = appendVarint(b, fPriority, f.Priority)
	return b
}

// Marshal 4 字节大端长度 + body
func Marshal(f *Frame) []byte {
	b := make([]byte, HeaderSize, 64+len(f.Payload)+len(f.Data))
	b = f.EncodeBody(b)
	binary.BigEndian.PutUint32(b[:HeaderSize], uint32(len(b)-HeaderSize))
	return b
}

func errMalformed(what string, kv ...any) error {
	return errs.ErrInvalidArgument.WrapMsg("malformed frame: "+what, kv...)
}

// Unmarshal 一个完整的带前缀帧；max<=0 用默认上限
func Unmarshal(data []byte, max int) (*Frame, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	if len(data) < HeaderSize {
		return nil, errMalformed("short header", "len", len(data))
	}
	n := int(binary.BigEndian.Uint32(data[:HeaderSize]))
	if n > max {
		return nil, errs.ErrInvalidArgument.WrapMsg("frame too large", "size", n, "max", max)
	}
	if n != len(data)-HeaderSize {
		return nil, errMalformed("length mismatch", "declared", n, "actual", len(data)-HeaderSize)
	}
	return DecodeBody(data[HeaderSize:])
}

// ReadFrom 从字节流读取一帧（TCP 传输）
func ReadFrom(r io.Reader, max int) (*Frame, error) {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n > max {
		return nil, errs.ErrInvalidArgument.WrapMsg("frame too large", "size", n, "max", max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return DecodeBody(body)
}

func WriteTo(w io.Writer, f *Frame) error {
	_, err := w.Write(Marshal(f))
	return err
}

// DecodeBody 未知字段跳过，便于协议向前兼容
func DecodeBody(b []byte) (*Frame, error) {
	f := &Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errMalformed("tag", "err", protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, errMalformed("varint", "field", num)
			}
			b = b[m:]
			f.setVarint(num, v)
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, errMalformed("bytes", "field", num)
			}
			b = b[m:]
			if err := f.setBytes(num, v); err != nil {
				return nil, err
			}
		case protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, errMalformed("fixed64", "field", num)
			}
			b = b[m:]
			if num == fLossRate {
				f.LossRate = math.Float64frombits(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, errMalformed("field", "field", num)
			}
			b = b[m:]
		}
	}
	if !f.Type.Valid() {
		return nil, errMalformed("unknown type", "type", int32(f.Type))
	}
	return f, nil
}

func (f *Frame) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fTS:
		f.TS = int64(v)
	case fType:
		f.Type = Type(int32(v))
	case fClientTS:
		f.ClientTS = int64(v)
	case fSeq:
		f.Seq = int64(v)
	case fServerTS:
		f.ServerTS = int64(v)
	case fCode:
		f.Code = int64(v)
	case fRetryable:
		f.Retryable = v != 0
	case fRequireOnline:
		f.RequireOnline = v != 0
	case fPersistIfOffline:
		f.PersistIfOffline = v != 0
	case fRTTMs:
		f.RTTMs = int64(v)
	case fPriority:
		f.Priority = int64(v)
	}
}

func (f *Frame) setBytes(num protowire.Number, v []byte) error {
	switch num {
	case fFrameID:
		f.FrameID = string(v)
	case fSessionID:
		f.SessionID = string(v)
	case fTenantID:
		f.TenantID = string(v)
	case fToken:
		f.Token = string(v)
	case fPolicy:
		f.Policy = string(v)
	case fMessageID:
		f.MessageID = string(v)
	case fConversationID:
		f.ConversationID = string(v)
	case fConversationType:
		f.ConversationType = string(v)
	case fKind:
		f.Kind = string(v)
	case fPayload:
		f.Payload = append([]byte(nil), v...)
	case fMIME:
		f.MIME = string(v)
	case fOriginalMessageID:
		f.OriginalMessageID = string(v)
	case fReceiverIDs:
		f.ReceiverIDs = append(f.ReceiverIDs, string(v))
	case fReason:
		f.Reason = string(v)
	case fOp:
		f.Op = string(v)
	case fData:
		f.Data = append([]byte(nil), v...)
	case fStatus:
		f.Status = string(v)
	case fSenderUserID:
		f.SenderUserID = string(v)
	case fSenderDeviceID:
		f.SenderDeviceID = string(v)
	case fTaskID:
		f.TaskID = string(v)
	case fNetworkType:
		f.NetworkType = string(v)
	case fAttachments:
		f.Attachments = append(f.Attachments, string(v))
	case fAttributes:
		k, val, err := decodeEntry(v)
		if err != nil {
			return err
		}
		if f.Attributes == nil {
			f.Attributes = make(map[string]string)
		}
		f.Attributes[k] = val
	}
	return nil
}

func decodeEntry(b []byte) (k, v string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", errMalformed("attribute tag")
		}
		b = b[n:]
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", "", errMalformed("attribute field")
			}
			b = b[m:]
			continue
		}
		val, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return "", "", errMalformed("attribute value")
		}
		b = b[m:]
		switch num {
		case 1:
			k = string(val)
		case 2:
			v = string(val)
		}
	}
	return k, v, nil
}

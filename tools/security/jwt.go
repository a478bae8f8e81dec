package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"FlareIM/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Options 签名参数；Secret 生产环境从 ENV/KMS 注入
type Options struct {
	Secret []byte
	Alg    string        // HS256/HS384/HS512，默认 HS256
	TTL    time.Duration // 默认 2h
	Issuer string        // 非空时校验 iss
	Leeway time.Duration // 网关与签发方的时钟误差
}

// DeviceClaims 登录令牌携带的设备身份。TokenEpoch 每次重新登录递增，
// 网关据此判断同设备的新旧连接。
type DeviceClaims struct {
	TenantID   string `json:"tid"`
	UserID     string `json:"uid"`
	DeviceID   string `json:"did"`
	Platform   string `json:"plt,omitempty"`
	TokenEpoch int64  `json:"epc"`
	Priority   string `json:"pri,omitempty"`
	jwtlib.RegisteredClaims
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// HashToken 落库/日志只出现摘要
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate 签发设备令牌，返回 token、摘要、过期时间
func Generate(opts Options, c DeviceClaims) (token string, hash string, expireAt time.Time, err error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if len(opts.Secret) == 0 {
		return "", "", time.Time{}, errs.ErrFailedPrecondition.WrapMsg("jwt secret not configured")
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)
	c.RegisteredClaims = jwtlib.RegisteredClaims{
		Subject:   c.UserID,
		Issuer:    opts.Issuer,
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(exp),
	}
	signed, err := jwtlib.NewWithClaims(method, c).SignedString(opts.Secret)
	if err != nil {
		return "", "", time.Time{}, errs.ErrInternal.WrapMsg("sign token", "err", err)
	}
	return signed, HashToken(signed), exp, nil
}

// Verify 校验签名、时效、签发方和身份字段；失败一律 Unauthenticated，detail 区分原因
func Verify(opts Options, token string) (*DeviceClaims, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithLeeway(opts.Leeway),
		jwtlib.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}
	var claims DeviceClaims
	_, err = jwtlib.ParseWithClaims(token, &claims, func(*jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, parserOpts...)
	switch {
	case err == nil:
	case errors.Is(err, jwtlib.ErrTokenExpired):
		return nil, errs.ErrUnauthenticated.WrapMsg("token expired")
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return nil, errs.ErrUnauthenticated.WrapMsg("token malformed")
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid):
		return nil, errs.ErrUnauthenticated.WrapMsg("bad signature")
	default:
		return nil, errs.ErrUnauthenticated.WrapMsg("token rejected", "err", err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" || claims.DeviceID == "" || claims.TenantID == "" {
		return nil, errs.ErrUnauthenticated.WrapMsg("token missing identity claims")
	}
	return &claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	}
	return nil, errs.ErrFailedPrecondition.WrapMsg("unsupported jwt alg, use HS256/HS384/HS512", "alg", alg)
}

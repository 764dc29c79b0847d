package signer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "PerpPilot-Chain/internal/errors"
)

// Signer 抽象外部托管签名方。输入输出均为序列化后的交易字节，
// 本服务不接触任何私钥。
type Signer interface {
	// SignTransaction 为用户签名交易，返回签名后的交易字节。
	SignTransaction(ctx context.Context, userID string, tx []byte) ([]byte, error)
}

// 本包注册的错误码。
const (
	CodeSignerResponse xerrors.Code = "SIGNER_MALFORMED_RESPONSE"
)

func init() {
	xerrors.Register(CodeSignerResponse, xerrors.Attributes{
		Message:   "malformed signer response",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// HTTPConfig 描述托管签名服务的接入参数。
type HTTPConfig struct {
	Endpoint string        `json:"endpoint"`
	APIKey   string        `json:"api_key"`
	Timeout  time.Duration `json:"timeout"`
}

// HTTPSigner 通过 HTTP JSON 协议调用托管签名服务。
type HTTPSigner struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Signer = (*HTTPSigner)(nil)

// NewHTTPSigner 创建托管签名客户端。
func NewHTTPSigner(cfg HTTPConfig) *HTTPSigner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSigner{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type signRequest struct {
	UserID      string `json:"user_id"`
	Transaction string `json:"transaction"`
}

type signResponse struct {
	Transaction string `json:"transaction"`
	Error       string `json:"error,omitempty"`
}

// SignTransaction 将交易以 base64 发送给签名服务并取回签名结果。
func (s *HTTPSigner) SignTransaction(ctx context.Context, userID string, tx []byte) ([]byte, error) {
	payload, err := json.Marshal(signRequest{
		UserID:      userID,
		Transaction: base64.StdEncoding.EncodeToString(tx),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "marshal sign request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "build sign request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "call signer")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSignerFailure, err, "read signer response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeSignerFailure,
			fmt.Sprintf("signer returned status %d: %s", resp.StatusCode, truncate(body, 256)))
	}

	var out signResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, xerrors.Wrap(CodeSignerResponse, err, "decode signer response")
	}
	if out.Error != "" {
		return nil, xerrors.New(xerrors.CodeSignerFailure, "signer rejected transaction: "+out.Error)
	}
	if out.Transaction == "" {
		return nil, xerrors.New(CodeSignerResponse, "signer response missing transaction")
	}
	signed, err := base64.StdEncoding.DecodeString(out.Transaction)
	if err != nil {
		return nil, xerrors.Wrap(CodeSignerResponse, err, "decode signed transaction")
	}
	return signed, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

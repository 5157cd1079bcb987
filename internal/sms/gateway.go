package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

var ErrSendFailed = errors.New("sms send failed")

// Sender delivers a one-time code to a phone number.
type Sender interface {
	SendOTP(ctx context.Context, phone, code string) error
}

// HTTPSender posts messages to the provider's REST gateway.
type HTTPSender struct {
	apiURL   string
	apiKey   string
	senderID string
	client   *http.Client
}

type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

func NewHTTPSender(cfg *config.Config) *HTTPSender {
	return &HTTPSender{
		apiURL:   cfg.SMS.APIURL,
		apiKey:   cfg.SMS.APIKey,
		senderID: cfg.SMS.SenderID,
		client: &http.Client{
			Timeout: cfg.SMS.RequestTimeout,
		},
	}
}

func (s *HTTPSender) SendOTP(ctx context.Context, phone, code string) error {
	payload, err := json.Marshal(sendRequest{
		To:      phone,
		From:    s.senderID,
		Message: fmt.Sprintf("Your verification code is %s. It expires in 2 minutes.", code),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		util.Error("SMS provider request failed",
			zap.String("phone", phone),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		util.Error("SMS provider rejected message",
			zap.String("phone", phone),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return fmt.Errorf("%w: provider returned %d", ErrSendFailed, resp.StatusCode)
	}

	util.Info("OTP sent", zap.String("phone", phone))
	return nil
}

// LogSender prints the code instead of delivering it. Development only.
type LogSender struct{}

func (LogSender) SendOTP(ctx context.Context, phone, code string) error {
	util.Warn("SMS delivery disabled; logging OTP",
		zap.String("phone", phone),
		zap.String("code", code))
	return nil
}

// NewSender picks the HTTP gateway when configured and falls back to
// log-only delivery in development.
func NewSender(cfg *config.Config) Sender {
	if cfg.SMS.APIURL != "" {
		return NewHTTPSender(cfg)
	}
	if cfg.IsProduction() {
		util.Fatal("SMS gateway not configured in production")
	}
	return LogSender{}
}

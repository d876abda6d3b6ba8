package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rpmautosales/inquiry-notifier/internal/instance"
	"github.com/rpmautosales/inquiry-notifier/internal/pglisten"
	"github.com/rpmautosales/inquiry-notifier/internal/token"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TokenSource yields a valid bearer token for an issuer identity.
// *token.Cache satisfies it.
type TokenSource interface {
	Token(ctx context.Context, issuer token.Issuer) (string, error)
}

// GraphSink sends mail through the Microsoft Graph sendMail endpoint
// using application (client-credentials) tokens.
type GraphSink struct {
	tokens  TokenSource
	baseURL string
	client  *http.Client
}

// NewGraphSink builds a sink against baseURL
// (https://graph.microsoft.com in production).
func NewGraphSink(tokens TokenSource, baseURL string) *GraphSink {
	return &GraphSink{
		tokens:  tokens,
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type graphMessage struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients []graphRecipient `json:"toRecipients"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (s *GraphSink) Send(ctx context.Context, cfg instance.Config, rec pglisten.Record) error {
	bearer, err := s.tokens.Token(ctx, token.Issuer{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	})
	if err != nil {
		return &AuthError{Err: err}
	}

	var msg graphMessage
	msg.Message.Subject = SubjectFor(cfg.Table)
	msg.Message.Body.ContentType = "Text"
	msg.Message.Body.Content = FormatBody(rec)
	var to graphRecipient
	to.EmailAddress.Address = cfg.ToEmail
	msg.Message.ToRecipients = []graphRecipient{to}

	body, err := json.Marshal(msg)
	if err != nil {
		return &DeliveryError{Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1.0/users/%s/sendMail", s.baseURL, url.PathEscape(cfg.FromEmail))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Err: fmt.Errorf("graph rejected token: status %d", resp.StatusCode)}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &DeliveryError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("graph sendMail: %s", bytes.TrimSpace(snippet)),
		}
	}
}

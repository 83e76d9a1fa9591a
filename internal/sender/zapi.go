package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// ZAPIClient sends group messages through a Z-API instance.
type ZAPIClient struct {
	BaseURL     string
	InstanceID  string
	Token       string
	ClientToken string
	HTTP        *http.Client
	Limiter     *rate.Limiter // nil means unlimited
}

type zapiTextRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type zapiImageRequest struct {
	Phone   string `json:"phone"`
	Image   string `json:"image"`
	Caption string `json:"caption,omitempty"`
}

type zapiResponse struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// SendGroupMessage posts text, or an image with text as caption when imageURL is set.
func (c *ZAPIClient) SendGroupMessage(ctx context.Context, groupID, text, imageURL string) (string, error) {
	endpoint, payload := "send-text", any(zapiTextRequest{Phone: groupID, Message: text})
	if imageURL != "" {
		endpoint, payload = "send-image", zapiImageRequest{Phone: groupID, Image: imageURL, Caption: text}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	// A send is not idempotent; 5xx or a dropped connection may follow delivery.
	var out zapiResponse
	err = retryIf(ctx, isSafeToResend, func() error {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var err error
		out, err = c.post(ctx, endpoint, body)
		return err
	})
	if err != nil {
		return "", err
	}
	if out.MessageID != "" {
		return out.MessageID, nil
	}
	if out.ZaapID != "" {
		return out.ZaapID, nil
	}
	return out.ID, nil
}

func (c *ZAPIClient) url(endpoint string) string {
	return fmt.Sprintf("%s/instances/%s/token/%s/%s", strings.TrimRight(c.BaseURL, "/"), c.InstanceID, c.Token, endpoint)
}

func (c *ZAPIClient) post(ctx context.Context, endpoint string, body []byte) (zapiResponse, error) {
	var out zapiResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(endpoint), bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ClientToken != "" {
		req.Header.Set("Client-Token", c.ClientToken)
	}
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return out, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		// The token is part of the path; report the endpoint only.
		return out, &httpStatusError{code: res.StatusCode, url: "zapi " + endpoint, body: strings.TrimSpace(string(raw))}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("zapi %s: decode response: %w", endpoint, err)
		}
	}
	if out.Error != "" {
		return out, fmt.Errorf("zapi %s: %s %s", endpoint, out.Error, out.Message)
	}
	return out, nil
}

package office

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/objectum/objectum-proxy/pkg/httpx"
)

const recaptchaVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// verifyRecaptcha asks Google whether the client-submitted response token is
// genuine.
func (o *Office) verifyRecaptcha(ctx context.Context, response string) (bool, error) {
	if response == "" {
		return false, nil
	}
	q := url.Values{}
	q.Set("secret", o.Config.RecaptchaSecretKey)
	q.Set("response", response)
	status, body, err := httpx.GetJSON(ctx, o.Client, recaptchaVerifyURL+"?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("recaptcha: %w", err)
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("recaptcha: status %d", status)
	}
	var payload struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("recaptcha: %w", err)
	}
	return payload.Success, nil
}

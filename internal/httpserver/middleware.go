package httpserver

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
)

// validateWebhookSignature verifies an HMAC-SHA1 signature over the request
// URL plus the sorted form parameters, Twilio style.
func validateWebhookSignature(secret, signature, fullURL string, params map[string]string) bool {
	if secret == "" || signature == "" {
		return false
	}

	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data += k + params[k]
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// WebhookAuth validates telephony webhook requests under /hooks/ using the
// X-Webhook-Signature header.
func WebhookAuth(getSecret func() string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !strings.HasPrefix(c.Request().URL.Path, "/hooks/") {
				return next(c)
			}

			secret := getSecret()
			if secret == "" {
				return c.String(http.StatusInternalServerError, "WEBHOOK_AUTH_TOKEN not configured")
			}

			bodyBytes, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			// handlers still get to bind the form themselves
			c.Request().Body = io.NopCloser(bytes.NewReader(bodyBytes))

			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}

			params := make(map[string]string)
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := c.Request().Header.Get("X-Webhook-Signature")
			requestURL := fmt.Sprintf("https://%s%s", c.Request().Host, c.Request().URL.Path)

			if !validateWebhookSignature(secret, signature, requestURL, params) {
				return c.String(http.StatusUnauthorized, "Invalid webhook signature")
			}

			c.Set("webhookParams", params)
			return next(c)
		}
	}
}

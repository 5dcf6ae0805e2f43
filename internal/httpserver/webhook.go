package httpserver

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	maxWebhookBodyBytes    = 1 << 20
)

// verifyWebhookSignature checks the HMAC-SHA256 signature over the raw body
// before any handler reads it. The body is rewound for the handler.
func verifyWebhookSignature(secret []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
			return
		}
		ctx.Request.Body = io.NopCloser(bytes.NewReader(body))

		provided, err := hex.DecodeString(ctx.GetHeader(webhookSignatureHeader))
		if err != nil || len(provided) == 0 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid_signature", "missing or malformed signature"))
			return
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(body)
		if !hmac.Equal(provided, mac.Sum(nil)) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature mismatch"))
			return
		}
		ctx.Next()
	}
}

// SignWebhookBody computes the hex signature a caller must present for body.
// Exported for webhook senders and tests.
func SignWebhookBody(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

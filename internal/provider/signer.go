package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

// RequestSigner authenticates an outbound request with a credential.
type RequestSigner interface {
	Sign(req *http.Request, cred keypool.Credential, now time.Time) error
}

// StaticHeaderSigner attaches the client id and secret as headers.
type StaticHeaderSigner struct{}

// Sign implements RequestSigner.
func (StaticHeaderSigner) Sign(req *http.Request, cred keypool.Credential, _ time.Time) error {
	if cred.ClientID == "" || cred.ClientSecret == "" {
		return fmt.Errorf("credential %s has no client id/secret", cred.Label)
	}
	req.Header.Set("X-Naver-Client-Id", cred.ClientID)
	req.Header.Set("X-Naver-Client-Secret", cred.ClientSecret)
	return nil
}

// HMACSigner signs "{timestamp}.{method}.{path}" with the credential secret.
type HMACSigner struct{}

// Sign implements RequestSigner.
func (HMACSigner) Sign(req *http.Request, cred keypool.Credential, now time.Time) error {
	if cred.AccessKey == "" || cred.SecretKey == "" || cred.CustomerID == "" {
		return fmt.Errorf("credential %s has no access key/secret/customer", cred.Label)
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-API-KEY", cred.AccessKey)
	req.Header.Set("X-Customer", cred.CustomerID)
	req.Header.Set("X-Signature", Signature(cred.SecretKey, ts, req.Method, req.URL.Path))
	return nil
}

// Signature computes base64(HMAC-SHA256(secret, "{timestamp}.{method}.{path}")).
func Signature(secret, timestamp, method, path string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + method + "." + path))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

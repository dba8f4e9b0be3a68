package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const testSecret = "super-secret"

func signedHeader(t *testing.T, dataID, requestID string, ts int64) string {
	t.Helper()
	payload := BuildSignaturePayload(dataID, requestID, fmt.Sprintf("%d", ts))
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(payload))
	return fmt.Sprintf("ts=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature_Valid(t *testing.T) {
	now := time.Now()

	result := VerifySignature(SignatureInput{
		SignatureHeader: signedHeader(t, "12345", "req-1", now.Unix()),
		Secret:          testSecret,
		RequestID:       "req-1",
		DataID:          "12345",
		ToleranceSec:    300,
		Now:             now,
	})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Reason)
	assert.NotEmpty(t, result.Details.Expected)
}

func TestVerifySignature_AcceptsMillisecondTimestamp(t *testing.T) {
	now := time.Now()

	result := VerifySignature(SignatureInput{
		SignatureHeader: signedHeader(t, "12345", "req-1", now.UnixMilli()),
		Secret:          testSecret,
		RequestID:       "req-1",
		DataID:          "12345",
		ToleranceSec:    300,
		Now:             now,
	})

	assert.True(t, result.Valid)
}

func TestVerifySignature_MissingHeader(t *testing.T) {
	result := VerifySignature(SignatureInput{
		Secret:       testSecret,
		RequestID:    "req-1",
		DataID:       "12345",
		ToleranceSec: 300,
	})

	assert.False(t, result.Valid)
	assert.Equal(t, "missing_signature", result.Reason)
}

func TestVerifySignature_MissingRequestID(t *testing.T) {
	now := time.Now()

	result := VerifySignature(SignatureInput{
		SignatureHeader: signedHeader(t, "12345", "req-1", now.Unix()),
		Secret:          testSecret,
		DataID:          "12345",
		ToleranceSec:    300,
		Now:             now,
	})

	assert.False(t, result.Valid)
	assert.Equal(t, "missing_request_id", result.Reason)
}

func TestVerifySignature_MissingDataID(t *testing.T) {
	now := time.Now()

	result := VerifySignature(SignatureInput{
		SignatureHeader: signedHeader(t, "12345", "req-1", now.Unix()),
		Secret:          testSecret,
		RequestID:       "req-1",
		ToleranceSec:    300,
		Now:             now,
	})

	assert.False(t, result.Valid)
	assert.Equal(t, "missing_data_id", result.Reason)
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	now := time.Now()
	stale := now.Add(-10 * time.Minute)

	result := VerifySignature(SignatureInput{
		SignatureHeader: signedHeader(t, "12345", "req-1", stale.Unix()),
		Secret:          testSecret,
		RequestID:       "req-1",
		DataID:          "12345",
		ToleranceSec:    300,
		Now:             now,
	})

	assert.False(t, result.Valid)
	assert.Equal(t, "timestamp_out_of_range", result.Reason)
}

func TestVerifySignature_Mismatch(t *testing.T) {
	now := time.Now()

	result := VerifySignature(SignatureInput{
		SignatureHeader: signedHeader(t, "99999", "req-1", now.Unix()),
		Secret:          testSecret,
		RequestID:       "req-1",
		DataID:          "12345",
		ToleranceSec:    300,
		Now:             now,
	})

	assert.False(t, result.Valid)
	assert.Equal(t, "signature_mismatch", result.Reason)
}

func TestVerifySignature_TruncatedDigestIsMismatch(t *testing.T) {
	now := time.Now()
	header := fmt.Sprintf("ts=%d,v1=abc123", now.Unix())

	result := VerifySignature(SignatureInput{
		SignatureHeader: header,
		Secret:          testSecret,
		RequestID:       "req-1",
		DataID:          "12345",
		ToleranceSec:    300,
		Now:             now,
	})

	assert.False(t, result.Valid)
	assert.Equal(t, "signature_mismatch", result.Reason)
}

func TestBuildSignaturePayload(t *testing.T) {
	payload := BuildSignaturePayload("123", "req-9", "1700000000")
	assert.Equal(t, "id:123;request-id:req-9;ts:1700000000;", payload)
}

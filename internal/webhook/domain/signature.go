package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SignatureInput carries everything needed to verify an x-signature header.
type SignatureInput struct {
	SignatureHeader string
	Secret          string
	RequestID       string
	DataID          string
	ToleranceSec    int
	Now             time.Time
}

// SignatureDetails exposes the parsed header values for audit logging only.
type SignatureDetails struct {
	Timestamp string
	Signature string
	Expected  string
	Payload   string
}

// SignatureResult is the outcome of a verification attempt. Reason is one of
// missing_signature, missing_request_id, missing_data_id,
// timestamp_out_of_range or signature_mismatch.
type SignatureResult struct {
	Valid   bool
	Reason  string
	Details SignatureDetails
}

// VerifySignature checks an x-signature header of the form "ts=...,v1=..."
// against the shared secret. It fails closed with a tagged reason.
func VerifySignature(input SignatureInput) SignatureResult {
	ts, v1, ok := parseSignatureHeader(input.SignatureHeader)
	if !ok {
		return SignatureResult{Valid: false, Reason: "missing_signature"}
	}

	details := SignatureDetails{Timestamp: ts, Signature: v1}

	if input.RequestID == "" {
		return SignatureResult{Valid: false, Reason: "missing_request_id", Details: details}
	}
	if input.DataID == "" {
		return SignatureResult{Valid: false, Reason: "missing_data_id", Details: details}
	}

	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}
	if !isTimestampValid(ts, input.ToleranceSec, now) {
		return SignatureResult{Valid: false, Reason: "timestamp_out_of_range", Details: details}
	}

	payload := BuildSignaturePayload(input.DataID, input.RequestID, ts)
	mac := hmac.New(sha256.New, []byte(input.Secret))
	_, _ = mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))

	details.Expected = expected
	details.Payload = payload

	if !safeCompare(expected, v1) {
		return SignatureResult{Valid: false, Reason: "signature_mismatch", Details: details}
	}

	return SignatureResult{Valid: true, Details: details}
}

// BuildSignaturePayload constructs the canonical signing string.
func BuildSignaturePayload(dataID, requestID, timestamp string) string {
	return fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, timestamp)
}

func parseSignatureHeader(header string) (ts, v1 string, ok bool) {
	if header == "" {
		return "", "", false
	}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		key, value, found := strings.Cut(piece, "=")
		if !found || key == "" || value == "" {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return "", "", false
	}
	return ts, v1, true
}

// Timestamps may arrive in seconds or milliseconds; disambiguate by magnitude.
func isTimestampValid(timestamp string, toleranceSec int, now time.Time) bool {
	ts, err := strconv.ParseFloat(timestamp, 64)
	if err != nil {
		return false
	}
	tsMs := ts
	if ts <= 1_000_000_000_000 {
		tsMs = ts * 1000
	}
	diffSec := math.Abs(float64(now.UnixMilli())-tsMs) / 1000
	return diffSec <= float64(toleranceSec)
}

// Length-mismatched inputs are a conclusive mismatch, not an error.
func safeCompare(expected, actual string) bool {
	if len(expected) != len(actual) {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(actual))
}

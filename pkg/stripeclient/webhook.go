package stripeclient

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// DefaultTolerance bounds how stale a webhook signature timestamp may be.
const DefaultTolerance = 5 * time.Minute

// EventTypeCheckoutCompleted is the only event type the gateway acts on.
const EventTypeCheckoutCompleted = "checkout.session.completed"

// Event is the subset of a Stripe webhook event the gateway consumes.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object CheckoutObject `json:"object"`
	} `json:"data"`
}

// CheckoutObject carries the completed checkout session from the event body.
type CheckoutObject struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	AmountTotal       int64  `json:"amount_total"`
}

// eventSchema validates the raw event body before it is decoded.
const eventSchema = `{
	"type": "object",
	"required": ["id", "type", "data"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["object"],
			"properties": {
				"object": {"type": "object"}
			}
		}
	}
}`

// ConstructEvent verifies the Stripe-Signature header over payload and
// decodes the event. The header carries a timestamp and one or more v1
// signatures: HMAC-SHA256 over "<timestamp>.<payload>" keyed by the webhook
// signing secret. Any verification failure is terminal for this delivery.
func ConstructEvent(payload []byte, sigHeader, secret string) (Event, error) {
	return constructEventAt(payload, sigHeader, secret, time.Now())
}

func constructEventAt(payload []byte, sigHeader, secret string, now time.Time) (Event, error) {
	if sigHeader == "" {
		return Event{}, fmt.Errorf("missing signature header")
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return Event{}, err
	}

	if math.Abs(now.Sub(timestamp).Seconds()) > DefaultTolerance.Seconds() {
		return Event{}, fmt.Errorf("signature timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp.Unix())
	mac.Write(payload)
	expected := mac.Sum(nil)

	verified := false
	for _, sig := range signatures {
		decoded, decodeErr := hex.DecodeString(sig)
		if decodeErr == nil && hmac.Equal(decoded, expected) {
			verified = true
			break
		}
	}
	if !verified {
		return Event{}, fmt.Errorf("no matching v1 signature")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(eventSchema),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return Event{}, fmt.Errorf("event is not valid JSON: %w", err)
	}
	if !result.Valid() {
		return Event{}, fmt.Errorf("event failed schema validation: %v", result.Errors())
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return event, nil
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]" into the
// timestamp and the candidate v1 signatures.
func parseSignatureHeader(header string) (time.Time, []string, error) {
	var (
		timestamp  time.Time
		signatures []string
	)

	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			unix, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return time.Time{}, nil, fmt.Errorf("invalid signature timestamp")
			}
			timestamp = time.Unix(unix, 0)
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp.IsZero() {
		return time.Time{}, nil, fmt.Errorf("signature header missing timestamp")
	}
	if len(signatures) == 0 {
		return time.Time{}, nil, fmt.Errorf("signature header missing v1 signature")
	}
	return timestamp, signatures, nil
}

// SignPayload produces a Stripe-Signature header value for payload. Test
// helper for exercising webhook handlers without the provider.
func SignPayload(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

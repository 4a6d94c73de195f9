// Package sign implements the webhook signature contract. Receivers verify
// payload authenticity by recomputing an HMAC over the timestamp and body.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header carries the signature on outbound webhook requests.
const Header = "X-Streams-Signature"

// DefaultTolerance bounds how old a verified signature's timestamp may be.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMalformed = errors.New("malformed signature header")
	ErrMismatch  = errors.New("signature mismatch")
	ErrExpired   = errors.New("signature timestamp outside tolerance")
)

// Sign produces the header value "t=<unix>,v1=<hex>" where the HMAC-SHA256
// is computed over "<unix>.<body>" keyed by the stream secret.
func Sign(secret string, body []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, digest(secret, ts, body))
}

// Verify checks a header value against the body and secret. The timestamp
// must be within tolerance of now to limit replay.
func Verify(secret string, body []byte, header string, now time.Time, tolerance time.Duration) error {
	ts, sig, err := parse(header)
	if err != nil {
		return err
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return ErrExpired
	}

	expected := digest(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrMismatch
	}
	return nil
}

func digest(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func parse(header string) (int64, string, error) {
	var ts int64
	var sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return 0, "", ErrMalformed
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", ErrMalformed
			}
			ts = n
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", ErrMalformed
	}
	return ts, sig, nil
}

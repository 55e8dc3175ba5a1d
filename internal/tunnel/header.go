package tunnel

import (
	"crypto/rand"
	"encoding/base32"
	"time"

	"github.com/pquerna/otp/totp"
)

// buildFingerprint seeds a TOTP generator once per tunnel.Run call (so once
// per worker, kept across that worker's reconnects) and derives a
// rotating header value from it, giving the handshake a time-varying but
// deterministic-per-window value the way a legitimate browser build
// fingerprint might rotate, without hand-rolling a clock-stepped scheme.
type buildFingerprint struct {
	secret string
}

func newBuildFingerprint() (*buildFingerprint, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return &buildFingerprint{secret: base32.StdEncoding.EncodeToString(raw)}, nil
}

// current returns the header value for "now". On generation failure it
// falls back to a fixed value rather than aborting the handshake.
func (f *buildFingerprint) current() string {
	code, err := totp.GenerateCode(f.secret, time.Now())
	if err != nil {
		return "0000000"
	}
	return "web3-" + code
}

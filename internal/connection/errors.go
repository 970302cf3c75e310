package connection

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by Send when the tenant's session is not in
// CONNECTED state. The retry queue treats it as "skip this cycle".
var ErrNotConnected = errors.New("connection: session not connected")

// CooldownError rejects a start attempt while a provider rate-limit cooldown
// is active. Remaining is always positive.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("connection: cooldown active, retry in %s", e.Remaining.Round(time.Millisecond))
}

// AsCooldown unwraps err into a CooldownError, if it is one.
func AsCooldown(err error) (*CooldownError, bool) {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

package admission

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidInput    = errors.New("admission: invalid input")
	ErrUnauthenticated = errors.New("admission: unauthenticated")
	ErrCooldownActive  = errors.New("admission: cooldown active")
	ErrTransientStore  = errors.New("admission: store unavailable")
)

// CooldownError reports how long the actor still has to wait.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("please wait %d more seconds", e.RetryAfterSeconds())
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldownActive
}

// RetryAfterSeconds rounds the remaining wait up to whole seconds.
func (e *CooldownError) RetryAfterSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

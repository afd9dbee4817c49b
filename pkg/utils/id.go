package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns an identifier unique per conversation attempt,
// in the form session_<unixMillis>_<random>.
func NewSessionID() string {
	return fmt.Sprintf("session_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

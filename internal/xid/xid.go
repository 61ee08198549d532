package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier such as "sale-<uuidv7>".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// ReceiptNumber returns a human-readable receipt code like RCP-20261017-1A2B3C4D.
func ReceiptNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("RCP-%s-%s", at.UTC().Format("20060102"), suffix)
}

package websocket

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// generateConnectionID returns an id like "events-20260301-120000-5f0c2a9e"
// that sorts by connect time and stays unique across quick reconnects
func generateConnectionID() string {
	return fmt.Sprintf("events-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

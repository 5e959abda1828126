// Package lake is the bulk artifact store. Keys are partitioned by date and
// run id so directories stay bounded and artifacts are locatable by time
// range: 2026/08/26/<run-id>/<name>.
package lake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Lake interface {
	// Put writes data under key and returns a URI for the stored object.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get reads back the object at key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// KeyFor builds the partitioned object key for one named artifact of a run.
func KeyFor(t time.Time, runID uuid.UUID, name string) string {
	return fmt.Sprintf("%s/%s/%s", t.UTC().Format("2006/01/02"), runID, name)
}

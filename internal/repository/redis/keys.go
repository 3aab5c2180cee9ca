package redis

import (
	"fmt"

	"github.com/google/uuid"
)

const ns = "freightgo:v1"

func KeySchedule(id uuid.UUID) string {
	return fmt.Sprintf("%s:schedule:%s", ns, id)
}

// KeyScheduleKnown marks a schedule id as existing. Schedules are never
// deleted, so the marker needs no invalidation.
func KeyScheduleKnown(id uuid.UUID) string {
	return fmt.Sprintf("%s:schedule:%s:known", ns, id)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func ChannelSchedulesChanged() string {
	return ns + ":schedules:changed"
}

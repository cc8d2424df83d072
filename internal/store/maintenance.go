package store

import (
	"log"

	"github.com/robfig/cron/v3"
)

// ScheduleMaintenance registers a periodic sweep on the given cron scheduler:
// expire stale TTL-bounded entries, then run quota-driven eviction if the
// store is over budget. Lazy expiry on read remains authoritative; the sweep
// only reclaims space held by entries that are never read again.
func (s *Store) ScheduleMaintenance(c *cron.Cron, schedule string) error {
	_, err := c.AddFunc(schedule, func() {
		s.ExpireStale()
		s.Optimize()
	})
	if err != nil {
		return err
	}
	log.Printf("[store] maintenance scheduled (%s)", schedule)
	return nil
}

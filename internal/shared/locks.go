package shared

import "fmt"

// TriggerLockKey builds the redis key guarding a single scheduler trigger.
func TriggerLockKey(trigger string) string {
	return fmt.Sprintf("wastedesk:trigger:%s:lock", trigger)
}

// PartyCacheKey builds the redis key caching a company directory entry.
func PartyCacheKey(partyID int64) string {
	return fmt.Sprintf("wastedesk:party:%d", partyID)
}

package model

import "fmt"

// Redis key layout, shared by the gate, pool, and admin surface:
//
//	access:{userID}:{resourceID}  cooldown record, TTL-bound
//	rule:{resourceID}             per-venue rule
//	daily:{userID}:{resourceID}:{YYYYMMDD}  daily counter, 24h TTL
//	url:{id}                      single-use URL record
const (
	AccessKeyPrefix = "access:"
	RuleKeyPrefix   = "rule:"
	DailyKeyPrefix  = "daily:"
	URLKeyPrefix    = "url:"
)

func AccessKey(userID, resourceID string) string {
	return fmt.Sprintf("%s%s:%s", AccessKeyPrefix, userID, resourceID)
}

func RuleKey(resourceID string) string {
	return RuleKeyPrefix + resourceID
}

// DailyKey expects date formatted as YYYYMMDD in the gate's timezone.
func DailyKey(userID, resourceID, date string) string {
	return fmt.Sprintf("%s%s:%s:%s", DailyKeyPrefix, userID, resourceID, date)
}

func URLKey(id string) string {
	return URLKeyPrefix + id
}

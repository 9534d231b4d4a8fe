package coord

import "fmt"

const keyPrefix = "alerts"

func InflightSetKey(jobType string) string {
	return fmt.Sprintf("%s:jobs:%s:inflight", keyPrefix, jobType)
}

func DeadLetterKey() string {
	return keyPrefix + ":jobs:dead"
}

func AlertLockKey(alertID string) string {
	return fmt.Sprintf("%s:alert:%s:lock", keyPrefix, alertID)
}

func ReaperLeaderKey() string {
	return keyPrefix + ":reaper:leader"
}

// JobEventsChannel is the pub/sub channel job lifecycle events go to.
const JobEventsChannel = keyPrefix + ":job_events"

func MaintenanceLeaderKey() string {
	return keyPrefix + ":maintenance:leader"
}

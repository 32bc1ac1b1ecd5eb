package queue

import "fmt"

// Subject hierarchy:
//
//	schedcore.queue.{name}.jobs  -- enqueued job payloads per named queue
//	schedcore.fire               -- fired occurrences for execution workers
//	schedcore.events.{kind}      -- lifecycle events, plain fan-out
const (
	StreamName = "SCHEDCORE"

	subjectPrefix   = "schedcore"
	queueAllSubject = subjectPrefix + ".queue.>"

	// FireSubject carries one message per fired occurrence.
	FireSubject = subjectPrefix + ".fire"

	// EventSubjectPrefix is the prefix lifecycle events are published
	// under; the event kind is appended per message.
	EventSubjectPrefix = subjectPrefix + ".events"

	// BucketRepeats holds one repeat definition per registered schedule.
	BucketRepeats = "schedcore-repeats"

	// WorkerDurable names the durable consumer shared by all workers.
	WorkerDurable = "schedcore-worker"
)

// QueueSubject returns the subject job payloads for a named queue are
// published on. Example: schedcore.queue.emails.jobs
func QueueSubject(queue string) string {
	return fmt.Sprintf("%s.queue.%s.jobs", subjectPrefix, queue)
}

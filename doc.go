// Package listqueue is a minimal durable work queue on top of a list
// store with change notifications, such as Redis.
//
// Applications create a Queue with a Backend that stores the list and a
// Subscriber that delivers the backend's keyspace notifications. Each
// Queue is bound to exactly one namespace, i.e. one list key, via
// RegisterNamespace. Registration fails if the key already holds data:
// a queue only ever attaches to a fresh list it created itself.
//
// Producers add jobs via PushMessage. A job is wrapped into an Envelope
// that carries the remaining retry budget (4 by default, see
// SetMaxRetries and Retries) and appended to the tail of the list. The
// backend then announces the append on the channel
// "__keyspace@0__:<namespace>" with the payload "rpush".
//
// The Queue listens on that channel through a Bus. Every append
// notification invokes the registered Handler. The default handler is
// Drain: it processes every job present in the list at that time, in
// list order, with the Processor configured via SetProcessor. Each job is
// popped from the head before it is processed. If the processor fails
// and the job has retries left, the budget is decremented and the job is
// appended to the tail again, which in turn triggers a new notification.
// A job that fails without retries left is discarded; there is no dead
// letter queue.
//
// Failed jobs are re-enqueued immediately by default. Use SetBackoffFunc
// to delay re-enqueues, e.g. with ExponentialBackoff.
//
// There is an InMemoryStore for tests. Persistent backends live in the
// "redis", "sqlstore", and "mongodb" packages.
package listqueue

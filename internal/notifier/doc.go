// Package notifier sends auto-capture lifecycle messages to Telegram chats.
//
// The service subscribes to "autocapture." events on the event bus, filters
// them by the configured event names, and delivers one message per chat
// through a Sender. Delivery is rate limited and retried with jittered
// backoff. A capture loop never waits on the notifier: the bus drops events
// when the subscriber falls behind.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recently sent messages, exposed on /healthz.
package notifier

// Package redis provides the Redis client wrapper and the cross-instance
// broadcast relay. The relay is the external collaborator that distributes
// the group bus: every local publish is mirrored to a Redis Pub/Sub channel
// and other instances replay it into their local bus.
package redis

// Package thingstate stores the last known value of every thing band in
// SQLite and streams changes to subscribers.
//
// It is the local state transport for the cloud bridge: Put records local
// changes, Apply records changes received from the cloud, Snapshot lists
// what is already stored, and Subscribe feeds outbound sync.
//
// Values are stored as canonical JSON. Writing a value equal to the stored
// one changes nothing and notifies nobody, which keeps state echoes from
// turning into update storms.
//
// # Slow Subscribers
//
// Each subscriber has a bounded channel. Changes that do not fit wait in a
// pending set keyed by thing and band: a newer value for a waiting key
// replaces it in place, and every key is eventually delivered with its
// newest value.
package thingstate

// Package comms brings up a collective communicator over the workers of a
// ready cluster. Every worker joins a session with a rank and, in
// peer-to-peer mode, opens a TCP channel to every other worker.
package comms

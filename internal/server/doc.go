// Package server wires the coven-relay components together and serves them
// over HTTP.
//
// # Components
//
//	Server
//	├── store.Store                  persistence (SQLite)
//	├── hub.Hub                      connections, membership, typing
//	├── relay.Relay                  persist then fan out
//	├── orchestrator.Orchestrator    agent replies, one drain per conversation
//	└── sweeper.Sweeper              typing expiry and dead-connection reaping
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /api/stats - Connection, conversation and agent-queue counts
//   - GET /api/agents - Agent roster
//   - POST /api/conversations - Create a conversation
//   - GET /api/conversations/{id} - Conversation metadata
//   - GET /api/conversations/{id}/messages - Message history (?limit=N)
//   - GET /ws?participant_id=...&agent_id=... - Event stream (WebSocket)
//
// # Event Stream
//
// Every frame is a JSON hub.Event. Inbound events are handled in arrival
// order per connection and rate limited per connection. Rejections (bad
// JSON, unknown type, rate limit, persistence failure) are sent as error
// events to the originating connection only.
//
// # Shutdown
//
// Shutdown stops the HTTP listener, stops the sweeper, cancels agent drains,
// closes every connection and finally closes the store.
package server

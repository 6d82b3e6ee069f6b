// Package cluster provides the rank fabric of a fedround run: rank identity,
// roles, and the message passing substrate the coordinator and the workers
// talk over.
//
// # Overview
//
// Every process of a run has a Rank. Rank 0 is the coordinator; ranks
// 1..N-1 are workers. The Role of a process is derived once from its rank
// with RoleOf and passed explicitly to the components that need it.
//
// # Architecture
//
// The fabric is a star for protocol traffic and a full mesh for addressing:
//
//	                +-------------------+
//	                |  Rank 0           |
//	                |  Coordinator      |
//	                |                   |
//	                |  inbox[protocol]  |
//	                |  inbox[barrier]   |
//	                +---------+---------+
//	                          |
//	       +------------------+------------------+
//	       |                  |                  |
//	+------v------+    +------v------+    +------v------+
//	|  Rank 1     |    |  Rank 2     |    |  Rank N-1   |
//	|  Worker     |    |  Worker     |    |  Worker     |
//	+-------------+    +-------------+    +-------------+
//
// Each rank owns one inbox per Tag. Protocol messages and barrier traffic
// travel in separate inboxes so a barrier never consumes a protocol message.
//
// # Core Components
//
// Fabric: the interface shared by both transports
//   - Send/Recv: point-to-point, FIFO per sender/receiver pair
//   - Broadcast: root sends to every other rank
//   - Barrier: arrivals gathered at rank 0, then released
//   - Close: wakes blocked receivers with ErrFabricClosed
//
// MemoryFabric: in-process transport
//   - A MemoryHub owns one fabric per rank
//   - Delivery appends directly to the target inbox
//   - Detach simulates a crashed rank
//
// HTTPFabric: one process per rank
//   - Serves POST /fabric/messages on a gorilla/mux router
//   - Envelopes are msgpack encoded
//   - Sends retry with exponential backoff before failing with
//     ErrCommunication
//   - Router exposes the mux so callers can mount /health, /status and
//     /metrics next to the fabric route
//
// # Concurrency Model
//
// All fabric methods are safe for concurrent use. Inboxes are unbounded, so
// Send never blocks on a slow receiver; it only blocks on the transport.
// Recv may be called concurrently with different sender filters.
//
// # Failure Handling
//
// Unknown ranks, unreachable ranks and closed fabrics surface as
// ErrCommunication or ErrFabricClosed from internal/errors. The fabric does
// not reconnect or re-route; the coordinator decides what a lost rank means
// for the round in flight.
//
// # Usage Example
//
//	hub := cluster.NewMemoryHub(3)
//	defer hub.Close()
//
//	coord := hub.Fabric(cluster.CoordinatorRank)
//	if err := coord.Broadcast(ctx, []byte("hello"), cluster.CoordinatorRank); err != nil {
//	    return err
//	}
//
//	env, err := hub.Fabric(1).Recv(ctx, cluster.CoordinatorRank)
package cluster

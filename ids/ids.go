// Package ids re-exports the identifier types shared across the consensus
// core so internal packages depend on one narrow surface rather than the
// upstream module directly.
package ids

import "github.com/luxfi/ids"

// ID is a content-addressed identifier (vertex id, snapshot root, etc).
type ID = ids.ID

// NodeID identifies a peer.
type NodeID = ids.NodeID

// Empty is the zero ID, used for genesis vertices with no parent.
var Empty = ids.Empty

// EmptyNodeID is the zero NodeID.
var EmptyNodeID = ids.EmptyNodeID

// GenerateTestID returns a random ID, for use in tests only.
var GenerateTestID = ids.GenerateTestID

// GenerateTestNodeID returns a random NodeID, for use in tests only.
var GenerateTestNodeID = ids.GenerateTestNodeID

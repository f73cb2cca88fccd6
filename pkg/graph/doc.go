// Package graph maintains the connectivity graph of one fractured object.
// Each node is a chunk actor; each edge is a breakable joint between two
// touching chunks. Break callbacks from the physics engine only record the
// lost edge and queue the endpoints; Update later walks the affected
// components on the owning goroutine and releases every component that can
// no longer reach an anchored chunk.
package graph

// Package collective provides the cross-replica all-reduce used by the data
// parallel coordinator:
//
//   - group.go: Group, a star over ROUTER/DEALER sockets rooted at rank 0
//   - local.go: LocalGroup, an in-process equivalent for colocated replicas
//   - metrics.go: all-reduce latency
package collective

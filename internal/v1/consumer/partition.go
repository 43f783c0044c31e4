// Package consumer owns the queue-side of the fabric: the room partitioner
// that decides which rooms this node polls, and the worker pool that polls
// them.
package consumer

import (
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/chatflow/server/internal/v1/logging"
)

// AssignedRooms returns the rooms this node consumes, as decimal strings.
// Room r (1-based) belongs to the node at index (r-1) mod len(nodes) in the
// sorted node list. An empty node list disables partitioning; an unknown
// nodeId falls back to all rooms so a misconfigured node degrades to
// duplicate work rather than silence. The queue's at-least-once semantics
// plus idempotent inserts make the overlap benign.
func AssignedRooms(nodeID string, nodeList []string, rooms int) []string {
	if len(nodeList) == 0 {
		logging.Info(context.Background(), "partitioning disabled, consuming all rooms",
			zap.Int("rooms", rooms))
		return allRooms(rooms)
	}

	nodes := make([]string, len(nodeList))
	copy(nodes, nodeList)
	sort.Strings(nodes)

	index := -1
	for i, node := range nodes {
		if node == nodeID {
			index = i
			break
		}
	}
	if index < 0 {
		logging.Warn(context.Background(), "node not in configured node list, consuming all rooms",
			zap.String("node_id", nodeID), zap.Strings("node_list", nodes))
		return allRooms(rooms)
	}

	var assigned []string
	for room := 1; room <= rooms; room++ {
		if (room-1)%len(nodes) == index {
			assigned = append(assigned, strconv.Itoa(room))
		}
	}

	logging.Info(context.Background(), "consumer partitioning enabled",
		zap.String("node_id", nodeID),
		zap.Int("node_index", index),
		zap.Int("node_count", len(nodes)),
		zap.Strings("assigned_rooms", assigned))
	return assigned
}

// AllAssignments computes the fleet-wide room ownership map for diagnostics.
func AllAssignments(nodeList []string, rooms int) map[string][]string {
	if len(nodeList) == 0 {
		return nil
	}

	nodes := make([]string, len(nodeList))
	copy(nodes, nodeList)
	sort.Strings(nodes)

	assignments := make(map[string][]string, len(nodes))
	for i, node := range nodes {
		for room := 1; room <= rooms; room++ {
			if (room-1)%len(nodes) == i {
				assignments[node] = append(assignments[node], strconv.Itoa(room))
			}
		}
	}
	return assignments
}

func allRooms(rooms int) []string {
	out := make([]string, 0, rooms)
	for i := 1; i <= rooms; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

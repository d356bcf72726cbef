package model

import (
	"encoding/json"
	"fmt"
)

// MoCANode is one per-node status file from the MoCA monitoring daemon.
type MoCANode struct {
	NodeID int `json:"NodeId"`
	RxNBAS int `json:"RxNBAS"`
}

// Up reports whether the node is passing traffic.
func (n MoCANode) Up() bool { return n.RxNBAS > 0 }

func ParseMoCANode(data []byte) (MoCANode, error) {
	var n MoCANode
	if err := json.Unmarshal(data, &n); err != nil {
		return MoCANode{}, fmt.Errorf("parse moca node: %w", err)
	}
	return n, nil
}

package raftadapter

import (
	"log/slog"
	"math"

	"go.etcd.io/etcd/raft/v3"

	"vdb/pkg/config"
)

func toRaftConfig(id uint64, c *config.RaftConfig, storage raft.Storage, log *slog.Logger) *raft.Config {
	return &raft.Config{
		ID:                        id,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		Storage:                   storage,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  math.MaxUint64,
		MaxUncommittedEntriesSize: 0,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		// followers reject proposals instead of forwarding them to the leader
		DisableProposalForwarding: true,
		Logger:                    newRaftLogger(log),
	}
}

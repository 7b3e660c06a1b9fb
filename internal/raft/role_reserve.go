package raft

// reserve is a standby member held out of the replication path entirely
// (spec.md §4.5's member-type table: RESERVE neither votes nor receives
// entries). It answers metadata probes and configuration pushes so an
// operator can promote it later, and nothing else.
type reserve struct {
	baseRole
}

func newReserve() *reserve { return &reserve{baseRole{name: "Reserve"}} }

func (r *reserve) Tag() RoleTag { return RoleReserve }

func (r *reserve) OnConfigure(c *RaftContext, req *ConfigureRequest) *ConfigureResponse {
	c.checkThread()
	c.UpdateTermAndLeader(req.Term, req.Leader)
	cfg := c.Cluster.Current()
	if req.Index <= cfg.Index {
		return &ConfigureResponse{Status: StatusOK}
	}
	c.Cluster.Configure(configurationFromRequest(req))
	if c.CommitIndex() >= req.Index {
		if err := c.Cluster.Commit(); err != nil {
			c.log.Error().Err(err).Msg("cluster.Commit")
		}
	}
	return &ConfigureResponse{Status: StatusOK}
}

func (r *reserve) OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse {
	return &MetadataResponse{Leader: c.Leader(), Members: c.Cluster.Current().Members}
}

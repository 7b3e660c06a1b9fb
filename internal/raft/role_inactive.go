package raft

// inactive is the initial role for a member absent from any known
// Configuration (spec.md §4.5 and the §9 open question: an Inactive
// member never self-promotes; it waits for an explicit ConfigureRequest
// naming it). Every RPC but OnConfigure and OnMetadata falls through to
// the baseRole defaults: IllegalState for client and membership RPCs, a
// plain term-only refusal for Append/Vote/Poll/Install.
type inactive struct {
	baseRole
}

func newInactive() *inactive { return &inactive{baseRole{name: "Inactive"}} }

func (i *inactive) Tag() RoleTag { return RoleInactive }

func (i *inactive) OnConfigure(c *RaftContext, req *ConfigureRequest) *ConfigureResponse {
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

func (i *inactive) OnMetadata(c *RaftContext, req *MetadataRequest) *MetadataResponse {
	return &MetadataResponse{Leader: c.Leader(), Members: c.Cluster.Current().Members}
}

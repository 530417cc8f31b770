package btltipc

import "fmt"

// Identity names a peer process. It is the Go shape of the original
// {jobid, vpid} proc name: a job identifier plus a rank within that job.
type Identity struct {
	JobID uint32
	VPID  uint32
}

func (id Identity) String() string {
	return fmt.Sprintf("%d.%d", id.JobID, id.VPID)
}

// Less implements the lexicographic ordering used by the concurrent-connect
// tie-break in Endpoint: the identity that compares Less keeps its outbound
// attempt; the other yields to the inbound socket.
func (id Identity) Less(other Identity) bool {
	if id.JobID != other.JobID {
		return id.JobID < other.JobID
	}
	return id.VPID < other.VPID
}

package btltipc

import "fmt"

// dumpIov renders an iovec cursor the way the original's
// mca_btl_tipc_frag_dump prints frag->iov_ptr/iov_cnt/iov_idx: the label,
// how many entries remain, and each remaining entry's length.
func dumpIov(label string, iov [][]byte, idx int) string {
	s := fmt.Sprintf("%s: iov_idx=%d iov_cnt=%d", label, idx, len(iov)-idx)
	for i := idx; i < len(iov); i++ {
		s += fmt.Sprintf(" [%d]=%dB", i-idx, len(iov[i]))
	}
	return s
}

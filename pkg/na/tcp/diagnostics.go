package tcp

import (
	"github.com/c9s/goprocinfo/linux"
)

// ConnStats is a best-effort snapshot of process-wide TCP counters, read
// straight from /proc/net/snmp. It exists purely for diagnostics (e.g.
// cmd/rpcna-console's "stats" command); on platforms without /proc
// (non-Linux) ReadConnStats returns no ConnStats at all, only an error,
// which callers should treat as "stats unavailable" rather than a
// transport fault.
type ConnStats struct {
	ActiveOpens  uint64
	PassiveOpens uint64
	CurrEstab    uint64
	InSegs       uint64
	OutSegs      uint64
	RetransSegs  uint64
}

// ReadConnStats reads /proc/net/snmp's Tcp line. It only works on Linux;
// elsewhere (and in restricted containers without /proc) it returns an
// error that callers should treat as "unavailable", not fatal.
func ReadConnStats() (*ConnStats, error) {
	stat, err := linux.ReadNetStat("/proc/net/snmp")
	if err != nil {
		return nil, err
	}

	return &ConnStats{
		ActiveOpens:  stat.Tcp.ActiveOpens,
		PassiveOpens: stat.Tcp.PassiveOpens,
		CurrEstab:    stat.Tcp.CurrEstab,
		InSegs:       stat.Tcp.InSegs,
		OutSegs:      stat.Tcp.OutSegs,
		RetransSegs:  stat.Tcp.RetransSegs,
	}, nil
}

package tcache

import "github.com/pooh64/rv32dbt/internal/cpu"

// TraceEntry logs a TB entry when the tcache stream is enabled, the Go
// recast of qjit.cpp's CONFIG_DUMP_TRACE stub_trace/helper_dump_trace
// path. Unlike the original's compile-time #ifdef, this is a plain
// runtime check gated by the same named stream every other tcache log
// line uses.
func TraceEntry(state *cpu.State, tb *TB) {
	if !log.Enabled() {
		return
	}
	log.Printf("enter tb ip=%#x code=%#x a0=%#x", tb.GuestIP, tb.Code, state.GPR[10])
}

package hotstate

import (
	"fmt"
	"strconv"
)

// Keyspace. All keys embed the owner's sub so tenants never collide.
//
//	trace:{owner}:{bar}:{uid}                      hash: trace state
//	trace:{owner}:{bar}:{uid}:step:{pos}           hash: step state
//	stats:{owner}:{bar}:{version}:{tkey}           whole-trace estimate
//	stats:{owner}:{bar}:{version}:{pos}:{tkey}     hash {a, b?}
//	tcount:{owner}:{bar}:{version}                 zset scored by created_at
//	tcount:{yyyy}:{mm}                             hash owner -> count
//	ps:trace:{owner}:{bar}:{uid}                   pub/sub channel

func TraceKey(owner, bar, traceUID string) string {
	return "trace:" + owner + ":" + bar + ":" + traceUID
}

func StepKey(owner, bar, traceUID string, position int) string {
	return TraceKey(owner, bar, traceUID) + ":step:" + strconv.Itoa(position)
}

func TraceChannel(owner, bar, traceUID string) string {
	return "ps:" + TraceKey(owner, bar, traceUID)
}

func WholeStatsKey(owner, bar string, version int64, techniqueKey string) string {
	return fmt.Sprintf("stats:%s:%s:%d:%s", owner, bar, version, techniqueKey)
}

func StepStatsKey(owner, bar string, version int64, position int, techniqueKey string) string {
	return fmt.Sprintf("stats:%s:%s:%d:%d:%s", owner, bar, version, position, techniqueKey)
}

func TraceCountKey(owner, bar string, version int64) string {
	return fmt.Sprintf("tcount:%s:%s:%d", owner, bar, version)
}

func MonthlyCountKey(year, month int) string {
	return fmt.Sprintf("tcount:%04d:%02d", year, month)
}

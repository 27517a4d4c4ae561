package store

import "encoding/binary"

// Bucket names, one bucket per entity, keyed to this domain's
// executions/stages/tasks/edges rather than workflows/schedules.
var (
	bucketExecutions    = []byte("executions")
	bucketExecutionName = []byte("execution_names") // name -> id
	bucketStages        = []byte("stages")          // "<execID>:<id>" -> json
	bucketTasks         = []byte("tasks")            // "<execID>:<id>" -> json
	bucketEdges         = []byte("edges")            // itob(execID) -> json []edge
	bucketLogDirs       = []byte("log_dirs")         // "<execID>:<logDir>" -> itob(taskID)
)

var allBuckets = [][]byte{
	bucketExecutions,
	bucketExecutionName,
	bucketStages,
	bucketTasks,
	bucketEdges,
	bucketLogDirs,
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
